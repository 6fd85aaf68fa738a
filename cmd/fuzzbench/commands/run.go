/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Standalone runner commands. Each runs a single instance in the foreground
until the child exits, the optional duration elapses or the user interrupts it, with
the consoles and statsd stream drained into a fresh run directory.
*/

package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/instance"
	"github.com/kleascm/optee-fuzzbench/pkg/logging"
	"github.com/kleascm/optee-fuzzbench/pkg/metrics"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunStandalone returns the RunE body for one of the standalone commands
func RunStandalone(command config.Command) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger, err := SetupLogging()
		if err != nil {
			return err
		}
		defer logger.Close()
		log := logger.Subsystem(logging.SubsystemInstance).WithField("command", command)

		template, err := buildTemplate()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := applyCommand(&template, command, args); err != nil {
			return err
		}
		if err := template.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		dir, err := runDir(viper.GetString("dir"), command, time.Now())
		if err != nil {
			return err
		}
		corpus, err := absPath(viper.GetString("corpus"))
		if err != nil {
			return err
		}

		ctx, stop := notifyContext(cmd.Context())
		defer stop()

		grace := viper.GetDuration("stop_grace")
		sup := supervisor.New(supervisor.Options{Logger: logger.Subsystem(logging.SubsystemSupervisor)})
		defer func() {
			if err := sup.Cleanup(grace); err != nil {
				log.WithError(err).Warn("Failed to reap every child")
			}
		}()

		inst := instance.New(template, sup, instance.Options{
			Logger:    log,
			Reporter:  metrics.NewLoggerReporter(logger.Subsystem(logging.SubsystemMetrics)),
			StopGrace: grace,
		})
		defer inst.Finish()

		if err := inst.Setup(0, dir, corpus); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Consoles: normal %d, secure %d; logs in %s\n",
			inst.Config().StdioNormalPort, inst.Config().StdioSecurePort, dir)

		runErr := inst.Run(ctx, viper.GetDuration("duration"))
		logger.LogInstanceFinished(0, inst.Elapsed(), runErr)
		return runErr
	}
}

// applyCommand fills the command specific parts of the template
func applyCommand(cfg *config.FuzzerConfig, command config.Command, args []string) error {
	cfg.Command = command
	switch command {
	case config.CommandTestcase:
		testcases, err := testcasesFromFlags(viper.GetString("hex"), viper.GetString("from_path"))
		if err != nil {
			return err
		}
		cfg.Testcases = testcases
	case config.CommandTCGen:
		if len(args) != 1 {
			return fmt.Errorf("%w: tcgen needs the test case directory", config.ErrInvalidConfig)
		}
		dir, err := absPath(args[0])
		if err != nil {
			return err
		}
		cfg.TCDir = dir
	}
	return nil
}

// testcasesFromFlags returns the hex encoded test cases given by --hex or --from-path
func testcasesFromFlags(hexCase, fromPath string) ([]string, error) {
	switch {
	case hexCase != "" && fromPath != "":
		return nil, fmt.Errorf("%w: --hex and --from-path are exclusive", config.ErrInvalidConfig)
	case hexCase != "":
		if _, err := hex.DecodeString(hexCase); err != nil {
			return nil, fmt.Errorf("%w: --hex: %v", config.ErrInvalidConfig, err)
		}
		return []string{hexCase}, nil
	case fromPath != "":
		testcases, err := supervisor.EncodeTestcases(fromPath)
		if err != nil {
			return nil, err
		}
		if len(testcases) == 0 {
			return nil, fmt.Errorf("%w: no test cases in %s", config.ErrInvalidConfig, fromPath)
		}
		return testcases, nil
	}
	return nil, fmt.Errorf("%w: one of --hex or --from-path is required", config.ErrInvalidConfig)
}

// runDir returns the absolute run directory, defaulting to a timestamped one
// under runs/. The parent is created, the directory itself must not exist.
func runDir(dir string, command config.Command, now time.Time) (string, error) {
	if dir == "" {
		dir = filepath.Join("runs", fmt.Sprintf("%s-%s", command, now.Format("20060102-150405")))
	}
	abs, err := absPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory parent: %w", err)
	}
	return abs, nil
}
