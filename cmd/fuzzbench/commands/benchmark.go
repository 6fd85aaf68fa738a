/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: benchmark.go
Description: Benchmark command implementation. Runs N fuzzing instances side by side
for a fixed wall clock duration, drains their telemetry into the benchmark root and
reports progress, Prometheus metrics and a batch summary.
*/

package commands

import (
	"fmt"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/logging"
	"github.com/kleascm/optee-fuzzbench/pkg/metrics"
	"github.com/kleascm/optee-fuzzbench/pkg/monitoring"
	"github.com/kleascm/optee-fuzzbench/pkg/orchestrator"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunBenchmark executes one benchmark batch
func RunBenchmark(cmd *cobra.Command, args []string) error {
	logger, err := SetupLogging()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Subsystem(logging.SubsystemBenchmark)

	template, err := buildTemplate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	template.Command = config.CommandFuzzer
	if err := template.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	threads := viper.GetInt("threads")
	duration := seconds(viper.GetFloat64("time"))
	if threads <= 0 || duration <= 0 {
		return fmt.Errorf("%w: --threads and --time must be positive", config.ErrInvalidConfig)
	}
	corpus, err := absPath(viper.GetString("corpus"))
	if err != nil {
		return err
	}

	ctx, stop := notifyContext(cmd.Context())
	defer stop()

	if viper.GetBool("mount_tmpfs") && template.IsNormal() {
		tmpfs := resolveUnder(template.Root, template.Tmpfs)
		if err := supervisor.MountTmpfs(tmpfs, viper.GetString("tmpfs_size")); err != nil {
			return err
		}
		log.WithField("path", tmpfs).Info("Mounted tmpfs for disk overlays")
		defer func() {
			if err := supervisor.Unmount(tmpfs); err != nil {
				log.WithError(err).Warn("Failed to unmount tmpfs")
			}
		}()
	}

	grace := viper.GetDuration("stop_grace")
	sup := supervisor.New(supervisor.Options{Logger: logger.Subsystem(logging.SubsystemSupervisor)})
	defer func() {
		if err := sup.Cleanup(grace); err != nil {
			log.WithError(err).Warn("Failed to reap every child")
		}
	}()

	reporters := []metrics.Reporter{metrics.NewLoggerReporter(logger.Subsystem(logging.SubsystemMetrics))}
	if addr := viper.GetString("metrics_addr"); addr != "" {
		prom := metrics.NewPrometheusReporter()
		reporters = append(reporters, prom)
		go func() {
			if err := prom.Serve(ctx, addr, logger.Subsystem(logging.SubsystemMetrics)); err != nil {
				log.WithError(err).Warn("Metrics endpoint stopped")
			}
		}()
	}

	orch := orchestrator.New(template, orchestrator.Options{
		Root:      viper.GetString("dir"),
		Corpus:    corpus,
		Launcher:  sup,
		Reporter:  metrics.Combine(reporters...),
		Logger:    log,
		Progress:  cmd.ErrOrStderr(),
		StopGrace: grace,
	})
	if err := orch.Reset(); err != nil {
		return err
	}

	profiler := monitoring.NewProfiler(monitoring.ProfilerConfig{
		OutputDir:        resolveUnder(orch.Root(), viper.GetString("profile_dir")),
		CPUProfile:       viper.GetBool("profile_cpu"),
		MemoryProfile:    viper.GetBool("profile_memory"),
		GoroutineProfile: viper.GetBool("profile_goroutine"),
	}, log)
	if profiler.Enabled() {
		if err := profiler.Start(); err != nil {
			return err
		}
		defer func() {
			if _, err := profiler.Stop(); err != nil {
				log.WithError(err).Warn("Failed to write profiles")
			}
		}()
	}

	summary, err := orch.RunFor(ctx, threads, duration, viper.GetBool("progress"))
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}
	logger.LogBenchmark(summary.Instances, summary.Failed, time.Duration(summary.Elapsed*float64(time.Second)))
	if summary.Err != nil {
		log.WithFields(logrus.Fields{"failed": summary.Failed}).WithError(summary.Err).Warn("Some instances failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d instances finished cleanly, results in %s\n",
		summary.Instances-summary.Failed, summary.Instances, orch.Root())
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
