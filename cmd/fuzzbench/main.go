/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Main entry point for fuzzbench, the OP-TEE fuzzing benchmark harness.
Builds the command tree, binds flags into viper and dispatches to the command
implementations.
*/

package main

import (
	"fmt"
	"os"

	"github.com/kleascm/optee-fuzzbench/cmd/fuzzbench/commands"
	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/instance"
	"github.com/kleascm/optee-fuzzbench/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fuzzbench",
		Short: "OP-TEE fuzzing benchmark harness",
		Long: `fuzzbench launches AFL++, the execution server and the emulated OP-TEE target
as one process tree per instance, drains the serial consoles and statsd telemetry of
every instance into log files and compares revert strategies side by side.`,
		PersistentPreRunE: commands.Prepare,
		SilenceUsage:      true,
	}

	defaults := config.Defaults()
	logDefaults := logging.DefaultConfig()

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, keys as in an instance config.yaml)")
	rootCmd.PersistentFlags().String("log-level", string(logDefaults.Level), "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", string(logDefaults.Format), "Log format (custom, text, json)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Shorthand for --log-format json")
	rootCmd.PersistentFlags().String("log-dir", "", "Directory for harness log files (empty disables)")
	rootCmd.PersistentFlags().Int("log-max-files", logDefaults.MaxFiles, "Harness log files to keep")
	rootCmd.PersistentFlags().Bool("log-caller", false, "Include the caller in log lines")
	rootCmd.PersistentFlags().String("root", defaults.Root, "Install root the tool directories are resolved against")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Dotenv files with extra variables for the child")
	rootCmd.PersistentFlags().StringSlice("extra-env", nil, "Extra KEY=VALUE variables for the child")
	rootCmd.PersistentFlags().Duration("stop-grace", instance.DefaultStopGrace, "Time between SIGTERM and SIGKILL when stopping a child")

	// Benchmark command
	benchmarkCmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Run N fuzzing instances concurrently for a fixed time",
		Long: `Run a benchmark batch. The benchmark directory is deleted and recreated, then
every instance gets its own subdirectory, ports and corpus copy and fuzzes for --time
seconds. A summary.json is written next to the instance directories.`,
		Args: cobra.NoArgs,
		RunE: commands.RunBenchmark,
	}
	benchmarkCmd.Flags().String("mode", string(defaults.Mode), "Revert mode (normal, fast, norevert, tznorevert)")
	benchmarkCmd.Flags().Int("threads", 1, "Instances to run concurrently")
	benchmarkCmd.Flags().String("dir", "benchmarks", "Directory to store benchmark logs")
	benchmarkCmd.Flags().Float64("time", 3600*2, "Run for n seconds")
	benchmarkCmd.Flags().String("corpus", "", "Corpus directory copied into every instance input")
	benchmarkCmd.Flags().String("testcase-decoding-mode", string(defaults.DecodingMode), "Test case decoding mode (dsl, direct)")
	benchmarkCmd.Flags().Bool("progress", false, "Show progress bar")
	benchmarkCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	benchmarkCmd.Flags().Bool("mount-tmpfs", false, "Mount a tmpfs on the overlay directory in normal mode")
	benchmarkCmd.Flags().String("tmpfs-size", "4G", "Size of the mounted tmpfs")
	benchmarkCmd.Flags().Bool("profile-cpu", false, "Enable CPU profiling of the harness")
	benchmarkCmd.Flags().Bool("profile-memory", false, "Write a heap profile of the harness at the end")
	benchmarkCmd.Flags().Bool("profile-goroutine", false, "Write a goroutine profile of the harness at the end")
	benchmarkCmd.Flags().String("profile-dir", "profiles", "Profile directory, relative to the benchmark directory")
	rootCmd.AddCommand(benchmarkCmd)

	// Standalone commands
	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run one fuzzer in the foreground",
		Args:  cobra.NoArgs,
		RunE:  commands.RunStandalone(config.CommandFuzzer),
	}
	fuzzCmd.Flags().String("mode", string(defaults.Mode), "Revert mode (normal, fast, norevert, tznorevert)")
	fuzzCmd.Flags().String("testcase-decoding-mode", string(defaults.DecodingMode), "Test case decoding mode (dsl, direct)")
	fuzzCmd.Flags().String("tmpfs", defaults.Tmpfs, "Directory for the disk overlay in normal mode")
	fuzzCmd.Flags().Float64("timeout", defaults.Timeout, "AFL timeout in milliseconds")
	fuzzCmd.Flags().String("corpus", "", "Corpus directory copied into the input directory")
	fuzzCmd.Flags().Bool("skip-cpu-check", defaults.SkipCPUCheck, "Skip AFL's cpu check")
	fuzzCmd.Flags().Bool("afl-debug-log", defaults.AFLDebugLog, "More verbose output from AFL")

	qemuCmd := &cobra.Command{
		Use:   "qemu",
		Short: "Boot the emulator without the fuzzer",
		Args:  cobra.NoArgs,
		RunE:  commands.RunStandalone(config.CommandQemu),
	}

	testcaseCmd := &cobra.Command{
		Use:   "testcase",
		Short: "Replay test cases in the emulator",
		Args:  cobra.NoArgs,
		RunE:  commands.RunStandalone(config.CommandTestcase),
	}
	testcaseCmd.Flags().String("hex", "", "Run a test case given as hex")
	testcaseCmd.Flags().String("from-path", "", "Run test cases from a file or directory")
	testcaseCmd.Flags().String("testcase-decoding-mode", string(defaults.DecodingMode), "Test case decoding mode (dsl, direct)")
	testcaseCmd.MarkFlagsMutuallyExclusive("hex", "from-path")
	testcaseCmd.MarkFlagsOneRequired("hex", "from-path")

	tcgenCmd := &cobra.Command{
		Use:   "tcgen <tcdir>",
		Short: "Generate test cases into a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  commands.RunStandalone(config.CommandTCGen),
	}

	for _, cmd := range []*cobra.Command{fuzzCmd, qemuCmd, testcaseCmd, tcgenCmd} {
		cmd.Flags().String("dir", "", "Run directory (default runs/<command>-<timestamp>)")
		cmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until the child exits)")
		cmd.Flags().Bool("fuzzer-debug-log", defaults.FuzzerDebugLog, "More verbose log from QEMU")
		cmd.Flags().Bool("exit", defaults.Exit, "Exit QEMU after tasks are done")
		rootCmd.AddCommand(cmd)
	}

	// Metrics command
	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print benchmark telemetry as CSV",
		Args:  cobra.NoArgs,
		RunE:  commands.ExportMetrics,
	}
	metricsCmd.Flags().String("dir", "benchmarks", "Benchmark directory")
	metricsCmd.Flags().String("metric", "execs/s", "Metric to export")
	metricsCmd.Flags().Bool("list", false, "List known metrics")
	rootCmd.AddCommand(metricsCmd)

	// Check command for built-in self-checks
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Perform built-in self-checks for system validation",
		Long: `Validate the install layout, overlay tooling, instance ports, disk space and
write access before running a benchmark. Very useful for CI/CD integration.`,
		Args: cobra.NoArgs,
		RunE: commands.PerformSelfCheck,
	}
	checkCmd.Flags().String("mode", string(defaults.Mode), "Revert mode to validate")
	checkCmd.Flags().Int("threads", 1, "Instances whose ports are checked")
	rootCmd.AddCommand(checkCmd)

	return rootCmd
}
