/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the fuzzbench commands. Provides configuration loading,
flag binding, logging setup and the mapping from viper keys onto the fuzzer template.
*/

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read into the configuration
const EnvPrefix = "FUZZBENCH"

// LoadConfig loads configuration from files and environment
func LoadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return nil
}

// BindFlags binds every flag of cmd into viper. Keys use underscores, so
// --testcase-decoding-mode is read back as testcase_decoding_mode.
func BindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = viper.BindPFlag(flagKey(f.Name), f)
	})
	return err
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Prepare binds the flags of the executing command and loads the configuration
func Prepare(cmd *cobra.Command, args []string) error {
	if err := BindFlags(cmd); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

// SetupLogging creates the harness logger from the log_* keys
func SetupLogging() (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if viper.IsSet("log_level") {
		cfg.Level = logging.LogLevel(viper.GetString("log_level"))
	}
	if viper.IsSet("log_format") {
		cfg.Format = logging.LogFormat(viper.GetString("log_format"))
	}
	if viper.GetBool("json_logs") {
		cfg.Format = logging.LogFormatJSON
	}
	if viper.IsSet("log_max_files") {
		cfg.MaxFiles = viper.GetInt("log_max_files")
	}
	cfg.OutputDir = viper.GetString("log_dir")
	cfg.Caller = viper.GetBool("log_caller")

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logger, nil
}

// buildTemplate maps the configuration keys onto config.Defaults(). Keys match
// the yaml names of config.FuzzerConfig, so an instance snapshot can be fed
// back in through --config.
func buildTemplate() (config.FuzzerConfig, error) {
	cfg := config.Defaults()

	strs := map[string]*string{
		"qemu_log_file":      &cfg.QemuLogFile,
		"afl_log_file":       &cfg.AFLLogFile,
		"execsrv_log_file":   &cfg.ExecsrvLogFile,
		"normal_log_file":    &cfg.NormalLogFile,
		"secure_log_file":    &cfg.SecureLogFile,
		"metric_log_file":    &cfg.MetricLogFile,
		"statsd_host":        &cfg.StatsdHost,
		"statsd_tags_flavor": &cfg.StatsdTagsFlavor,
		"root":               &cfg.Root,
		"afl_dir":            &cfg.AFLDir,
		"qemu_dir":           &cfg.QemuDir,
		"execsrv_dir":        &cfg.ExecsrvDir,
		"optee_out_dir":      &cfg.OpteeOutDir,
		"optee_build_dir":    &cfg.OpteeBuildDir,
		"tmpfs":              &cfg.Tmpfs,
		"input":              &cfg.Input,
		"output":             &cfg.Output,
		"qemu_img":           &cfg.QemuImg,
		"overlay_size":       &cfg.OverlaySize,
	}
	for key, dst := range strs {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}

	bools := map[string]*bool{
		"afl_debug_log":    &cfg.AFLDebugLog,
		"fuzzer_debug_log": &cfg.FuzzerDebugLog,
		"enable_statsd":    &cfg.EnableStatsd,
		"exit":             &cfg.Exit,
		"skip_cpu_check":   &cfg.SkipCPUCheck,
		"no_affinity":      &cfg.NoAffinity,
		"noout":            &cfg.NoOutput,
	}
	for key, dst := range bools {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}

	ints := map[string]*int{
		"stdio_normal_port": &cfg.StdioNormalPort,
		"stdio_secure_port": &cfg.StdioSecurePort,
	}
	for key, dst := range ints {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}

	if viper.IsSet("timeout") {
		cfg.Timeout = viper.GetFloat64("timeout")
	}
	if viper.IsSet("mode") {
		mode, err := config.ParseRevertMode(viper.GetString("mode"))
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if viper.IsSet("testcase_decoding_mode") {
		mode, err := config.ParseDecodingMode(viper.GetString("testcase_decoding_mode"))
		if err != nil {
			return cfg, err
		}
		cfg.DecodingMode = mode
	}

	cfg.ExtraEnv = append(cfg.ExtraEnv, viper.GetStringSlice("extra_env")...)
	if files := viper.GetStringSlice("env_file"); len(files) > 0 {
		env, err := loadEnvFiles(files)
		if err != nil {
			return cfg, err
		}
		cfg.ExtraEnv = append(cfg.ExtraEnv, env...)
	}

	if !filepath.IsAbs(cfg.Root) {
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return cfg, fmt.Errorf("failed to resolve root: %w", err)
		}
		cfg.Root = root
	}
	return cfg, nil
}

// loadEnvFiles reads KEY=VALUE pairs for the child environment, sorted by key.
// Later files win on duplicate keys.
func loadEnvFiles(paths []string) ([]string, error) {
	merged := map[string]string{}
	for _, path := range paths {
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		for key, value := range vars {
			merged[key] = value
		}
	}
	env := make([]string, 0, len(merged))
	for key, value := range merged {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env, nil
}

// resolveUnder returns path joined onto root unless it is already absolute
func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// absPath resolves path against the working directory
func absPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return abs, nil
}

// notifyContext returns a context cancelled on SIGINT or SIGTERM
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
