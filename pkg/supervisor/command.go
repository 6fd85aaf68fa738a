/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: command.go
Description: Command line and environment builders for the fuzzing process tree. Produces
argument vectors for afl-fuzz, the execution server and the emulator from a derived
FuzzerConfig. Arguments are kept as tokens, nothing is passed through a shell.
*/

package supervisor

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
)

const (
	QemuBinary    = "qemu-system-aarch64"
	ExecsrvBinary = "srv"
	AFLBinary     = "afl-fuzz"

	// TestcasePlaceholder is replaced by afl-fuzz with the current input file
	TestcasePlaceholder = "@@"

	// separator between the nested tool invocations
	separator = "--"
)

// Command is a fully resolved child invocation
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Argv returns the path followed by the arguments
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// String renders the command for logs
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// KernelArgs returns the target kernel arguments selecting the in-guest mode
func KernelArgs(cfg config.FuzzerConfig) []string {
	switch cfg.Command {
	case config.CommandTestcase:
		args := make([]string, 0, len(cfg.Testcases))
		for _, tc := range cfg.Testcases {
			args = append(args, "testcase="+tc)
		}
		return args
	case config.CommandTCGen:
		return []string{"tcgen"}
	case config.CommandQemu:
		return nil
	}
	switch cfg.Mode {
	case config.RevertNone:
		return []string{"host_fuzz"}
	case config.RevertTrustZone:
		return []string{"fuzz_no_reverts"}
	default:
		return []string{"fuzz"}
	}
}

// QemuArgs returns the emulator arguments. drive is the disk overlay and is
// only passed when non-empty.
func QemuArgs(cfg config.FuzzerConfig, drive string) []string {
	args := []string{
		"-nographic",
		"-serial", fmt.Sprintf("tcp:localhost:%d", cfg.StdioNormalPort),
		"-serial", fmt.Sprintf("tcp:localhost:%d", cfg.StdioSecurePort),
		"-smp", "1",
		"-machine", "virt,secure=on,mte=off,gic-version=3,virtualization=false",
		"-cpu", "max,sve=off,pauth-impdef=on",
		"-d", "unimp",
		"-semihosting-config", "enable=on,target=native",
		"-m", "1024",
		"-bios", "bl1.bin",
		"-initrd", "rootfs.cpio.gz",
		"-kernel", "Image",
		"-no-acpi",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-device", "virtio-rng-pci,rng=rng0,max-bytes=1024,period=1000",
		"-netdev", "user,id=vmnic",
		"-device", "virtio-net-device,netdev=vmnic",
	}
	if cfg.QemuLogFile != "" {
		args = append(args, "-D", cfg.QemuLogFile)
	}
	if cfg.Command == config.CommandFuzzer {
		args = append(args, "--testcase", TestcasePlaceholder)
	}
	if drive != "" {
		args = append(args, "-drive", "file="+drive)
	}

	cmdline := []string{"console=ttyAMA0,38400", "keep_bootcon", "root=/dev/vda2"}
	cmdline = append(cmdline, KernelArgs(cfg)...)
	if cfg.Exit {
		cmdline = append(cmdline, "exit")
	}
	return append(args, "-append", strings.Join(cmdline, " "))
}

// ExecsrvArgs returns the execution server arguments
func ExecsrvArgs(cfg config.FuzzerConfig) []string {
	var args []string
	if cfg.ExecsrvLogFile != "" {
		args = append(args, "-l", cfg.ExecsrvLogFile)
	}
	return append(args, "-p", filepath.Join(cfg.QemuDir, QemuBinary))
}

// AFLArgs returns the afl-fuzz arguments
func AFLArgs(cfg config.FuzzerConfig) []string {
	args := []string{"-Q", "external", "-m", "none"}
	if cfg.Timeout > 0 {
		args = append(args, "-t", strconv.FormatFloat(cfg.Timeout, 'f', -1, 64))
	}
	return append(args, "-i", cfg.Input, "-o", cfg.Output)
}

// Env returns the variables exported to the child on top of the inherited
// environment, sorted by name
func Env(cfg config.FuzzerConfig) []string {
	vars := map[string]string{}
	flag := func(name string, on bool) {
		if on {
			vars[name] = "1"
		}
	}
	flag("AFL_DEBUG", cfg.AFLDebugLog)
	flag("AFL_SKIP_CPUFREQ", cfg.SkipCPUCheck)
	flag("AFL_NO_AFFINITY", cfg.NoAffinity)
	flag("FUZZER_DEBUG_LOG", cfg.FuzzerDebugLog)
	flag("FUZZER_FAST_VMSAVE", cfg.IsFast() && cfg.Command == config.CommandFuzzer)

	if cfg.EnableStatsd {
		if host, port, err := cfg.StatsdEndpoint(); err == nil {
			vars["AFL_STATSD"] = "1"
			vars["AFL_STATSD_HOST"] = host
			vars["AFL_STATSD_PORT"] = strconv.Itoa(port)
			if cfg.StatsdTagsFlavor != "" {
				vars["AFL_STATSD_TAGS_FLAVOR"] = cfg.StatsdTagsFlavor
			}
		}
	}
	if cfg.TCDir != "" {
		vars["FUZZER_TC_SAVE_DIR"] = cfg.TCDir
	}
	if cfg.DecodingMode != "" {
		vars["FUZZER_TC_DECODING_MODE"] = string(cfg.DecodingMode)
	}

	env := make([]string, 0, len(vars)+len(cfg.ExtraEnv))
	for name, value := range vars {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return append(env, cfg.ExtraEnv...)
}

// Build assembles the child invocation selected by cfg.Command
func Build(cfg config.FuzzerConfig, drive string) (Command, error) {
	if _, err := config.ParseCommand(string(cfg.Command)); err != nil {
		return Command{}, err
	}
	cmd := Command{
		Env: Env(cfg),
		Dir: cfg.OpteeOutDir,
	}
	qemu := QemuArgs(cfg, drive)

	if cfg.Command != config.CommandFuzzer {
		cmd.Path = filepath.Join(cfg.QemuDir, QemuBinary)
		cmd.Args = qemu
		return cmd, nil
	}

	// afl-fuzz <afl-args> -- srv <srv-args> -- <qemu-args>
	cmd.Path = filepath.Join(cfg.OpteeOutDir, AFLBinary)
	cmd.Args = append(cmd.Args, AFLArgs(cfg)...)
	cmd.Args = append(cmd.Args, separator, filepath.Join(cfg.ExecsrvDir, ExecsrvBinary))
	cmd.Args = append(cmd.Args, ExecsrvArgs(cfg)...)
	cmd.Args = append(cmd.Args, separator)
	cmd.Args = append(cmd.Args, qemu...)
	return cmd, nil
}

// EncodeTestcases hex encodes a test case file, or every regular file of a
// directory in name order
func EncodeTestcases(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat test cases: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list test cases: %w", err)
		}
		files = files[:0]
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}

	encoded := make([]string, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read test case: %w", err)
		}
		encoded = append(encoded, hex.EncodeToString(data))
	}
	return encoded, nil
}
