/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Fuzzer configuration for the OP-TEE benchmark harness. Holds the template
configuration built from the command line and the modes that select how the external
fuzzer, execution server and emulator are launched.
*/

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// ErrInvalidConfig is returned for any configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidHostPort is returned for a malformed "host:port" endpoint.
	ErrInvalidHostPort = fmt.Errorf("%w: malformed host:port", ErrInvalidConfig)
)

// RevertMode selects how the emulated VM state is reset between test cases
type RevertMode string

const (
	RevertNormal    RevertMode = "normal"     // full VM-state revert through a disk overlay
	RevertFast      RevertMode = "fast"       // in-memory revert
	RevertNone      RevertMode = "norevert"   // run from buildroot, no revert
	RevertTrustZone RevertMode = "tznorevert" // run from the secure world, no revert
)

const defaultStatsPort = 8125

// RevertModes lists every supported revert mode in CLI order
var RevertModes = []RevertMode{RevertNormal, RevertFast, RevertNone, RevertTrustZone}

// ParseRevertMode converts a mode name into a RevertMode
func ParseRevertMode(name string) (RevertMode, error) {
	for _, mode := range RevertModes {
		if string(mode) == name {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: unknown revert mode %q", ErrInvalidConfig, name)
}

// DecodingMode selects how the target decodes raw test cases
type DecodingMode string

const (
	DecodingDSL    DecodingMode = "dsl"
	DecodingDirect DecodingMode = "direct"
)

// ParseDecodingMode converts a decoding mode name into a DecodingMode
func ParseDecodingMode(name string) (DecodingMode, error) {
	switch DecodingMode(name) {
	case DecodingDSL, DecodingDirect:
		return DecodingMode(name), nil
	}
	return "", fmt.Errorf("%w: unknown test case decoding mode %q", ErrInvalidConfig, name)
}

// Command selects which process tree is launched for an instance
type Command string

const (
	CommandFuzzer   Command = "fuzzer"   // afl-fuzz -> srv -> qemu
	CommandQemu     Command = "qemu"     // qemu only
	CommandTestcase Command = "testcase" // qemu replaying hex encoded test cases
	CommandTCGen    Command = "tcgen"    // qemu generating test cases into TCDir
)

// ParseCommand converts a command name into a Command
func ParseCommand(name string) (Command, error) {
	switch Command(name) {
	case CommandFuzzer, CommandQemu, CommandTestcase, CommandTCGen:
		return Command(name), nil
	}
	return "", fmt.Errorf("%w: unknown command %q", ErrInvalidConfig, name)
}

// FuzzerConfig describes one fuzzing run. A template is built once from the
// command line and every instance runs with a value derived from it.
type FuzzerConfig struct {
	// Debug toggles
	AFLDebugLog    bool `yaml:"afl_debug_log"`
	FuzzerDebugLog bool `yaml:"fuzzer_debug_log"`

	// Child log files
	QemuLogFile    string `yaml:"qemu_log_file"`
	AFLLogFile     string `yaml:"afl_log_file"`
	ExecsrvLogFile string `yaml:"execsrv_log_file"`

	// Telemetry destinations drained by the harness
	NormalLogFile string `yaml:"normal_log_file"`
	SecureLogFile string `yaml:"secure_log_file"`
	MetricLogFile string `yaml:"metric_log_file"`

	// Statsd
	EnableStatsd     bool   `yaml:"enable_statsd"`
	StatsdHost       string `yaml:"statsd_host"`
	StatsdTagsFlavor string `yaml:"statsd_tags_flavor"`

	// Console ports
	StdioNormalPort int `yaml:"stdio_normal_port"`
	StdioSecurePort int `yaml:"stdio_secure_port"`

	// Install layout, resolved against Root
	Root          string `yaml:"root"`
	AFLDir        string `yaml:"afl_dir"`
	QemuDir       string `yaml:"qemu_dir"`
	ExecsrvDir    string `yaml:"execsrv_dir"`
	OpteeOutDir   string `yaml:"optee_out_dir"`
	OpteeBuildDir string `yaml:"optee_build_dir"`
	Tmpfs         string `yaml:"tmpfs"`

	// Fuzzing
	Command      Command      `yaml:"command"`
	Mode         RevertMode   `yaml:"mode"`
	DecodingMode DecodingMode `yaml:"testcase_decoding_mode"`
	Timeout      float64      `yaml:"timeout"` // afl-fuzz -t, milliseconds
	Input        string       `yaml:"input"`
	Output       string       `yaml:"output"`
	Exit         bool         `yaml:"exit"`
	SkipCPUCheck bool         `yaml:"skip_cpu_check"`
	NoAffinity   bool         `yaml:"no_affinity"`
	NoOutput     bool         `yaml:"noout"`

	// Standalone commands
	Testcases []string `yaml:"testcases,omitempty"`
	TCDir     string   `yaml:"tcdir,omitempty"`

	// Disk overlay for the normal revert mode
	QemuImg     string `yaml:"qemu_img"`
	OverlaySize string `yaml:"overlay_size"`

	// Extra KEY=VALUE pairs passed to the child
	ExtraEnv []string `yaml:"extra_env,omitempty"`
}

// Defaults returns the template configuration used by the benchmark
func Defaults() FuzzerConfig {
	root, _ := os.Getwd()
	if exe, err := os.Executable(); err == nil {
		root = filepath.Dir(exe)
	}
	return FuzzerConfig{
		AFLDebugLog:      true,
		FuzzerDebugLog:   true,
		QemuLogFile:      "qemu.log",
		AFLLogFile:       "afl.log",
		ExecsrvLogFile:   "srv.log",
		NormalLogFile:    "normal.log",
		SecureLogFile:    "secure.log",
		MetricLogFile:    "metric.log",
		EnableStatsd:     true,
		StatsdHost:       "127.0.0.1:" + strconv.Itoa(defaultStatsPort),
		StatsdTagsFlavor: "dogstatsd",
		StdioNormalPort:  54320,
		StdioSecurePort:  54321,
		Root:             root,
		AFLDir:           "optee/AFLplusplus/",
		QemuDir:          "optee/qemu/build/",
		ExecsrvDir:       "./execsrv/build",
		OpteeOutDir:      "./optee/out/bin/",
		OpteeBuildDir:    "./optee/build/",
		Tmpfs:            "./tmpfs",
		Command:          CommandFuzzer,
		Mode:             RevertFast,
		DecodingMode:     DecodingDSL,
		Timeout:          50000,
		Input:            "./in",
		Output:           "./out",
		Exit:             true,
		SkipCPUCheck:     true,
		NoAffinity:       true,
		NoOutput:         true,
		QemuImg:          "qemu-img",
		OverlaySize:      "128M",
	}
}

// IsNormal reports whether the full VM-state revert mode is active
func (c FuzzerConfig) IsNormal() bool { return c.Mode == RevertNormal }

// IsFast reports whether the fast revert mode is active
func (c FuzzerConfig) IsFast() bool { return c.Mode == RevertFast }

// IsNoRevert reports whether the buildroot no-revert mode is active
func (c FuzzerConfig) IsNoRevert() bool { return c.Mode == RevertNone }

// IsTrustZoneNoRevert reports whether the secure world no-revert mode is active
func (c FuzzerConfig) IsTrustZoneNoRevert() bool { return c.Mode == RevertTrustZone }

// StatsdEndpoint splits StatsdHost into its host and port
func (c FuzzerConfig) StatsdEndpoint() (string, int, error) {
	return ParseHostPort(c.StatsdHost)
}

// ParseHostPort parses a "host:port" string. It never falls back to a default port.
func ParseHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidHostPort, hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q: bad port %q", ErrInvalidHostPort, hostport, portStr)
	}
	return host, port, nil
}

// Validate checks the configuration for values the harness cannot run with
func (c FuzzerConfig) Validate() error {
	if _, err := ParseRevertMode(string(c.Mode)); err != nil {
		return err
	}
	if _, err := ParseDecodingMode(string(c.DecodingMode)); err != nil {
		return err
	}
	if _, err := ParseCommand(string(c.Command)); err != nil {
		return err
	}
	if _, _, err := c.StatsdEndpoint(); err != nil {
		return err
	}
	for name, port := range map[string]int{
		"stdio_normal_port": c.StdioNormalPort,
		"stdio_secure_port": c.StdioSecurePort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConfig, name, port)
		}
	}
	if c.StdioNormalPort == c.StdioSecurePort {
		return fmt.Errorf("%w: console ports must differ", ErrInvalidConfig)
	}
	for name, path := range map[string]string{
		"afl_dir":       c.AFLDir,
		"qemu_dir":      c.QemuDir,
		"execsrv_dir":   c.ExecsrvDir,
		"optee_out_dir": c.OpteeOutDir,
		"input":         c.Input,
		"output":        c.Output,
	} {
		if path == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidConfig, name)
		}
	}
	if c.IsNormal() && c.Tmpfs == "" {
		return fmt.Errorf("%w: normal mode needs a tmpfs directory for the disk overlay", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
