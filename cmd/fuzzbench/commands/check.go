/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: check.go
Description: Self-check command. Validates the install layout, the overlay tooling, the
console and statsd ports of every planned instance, disk space and write access before
a benchmark is started. Useful for CI.
*/

package commands

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const minFreeBytes = 1 << 30

type check struct {
	name string
	run  func(cfg config.FuzzerConfig) error
}

// PerformSelfCheck runs every check against the configured template
func PerformSelfCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🔍 fuzzbench - System Self-Check")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	template, err := buildTemplate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	threads := viper.GetInt("threads")

	checks := []check{
		{"Configuration", func(cfg config.FuzzerConfig) error { return cfg.Validate() }},
		{"Install Layout", checkInstallLayout},
		{"Overlay Tooling", checkOverlayTooling},
		{"Instance Ports", func(cfg config.FuzzerConfig) error { return checkPorts(cfg, threads) }},
		{"Disk Space", checkDiskSpace},
		{"Write Access", checkWriteAccess},
	}

	passed := 0
	for _, c := range checks {
		fmt.Fprintf(out, "🔍 %s... ", c.name)
		if err := c.run(template); err != nil {
			fmt.Fprintf(out, "❌ FAILED: %v\n", err)
			continue
		}
		fmt.Fprintln(out, "✅ PASSED")
		passed++
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "📊 Results: %d/%d checks passed\n", passed, len(checks))
	if passed != len(checks) {
		return fmt.Errorf("%d/%d checks failed", len(checks)-passed, len(checks))
	}
	return nil
}

// checkInstallLayout verifies the three binaries of the process tree exist
func checkInstallLayout(cfg config.FuzzerConfig) error {
	cfg, err := config.Derive(cfg, 0, "check")
	if err != nil {
		return err
	}
	var errs error
	for _, bin := range []string{
		filepath.Join(cfg.AFLDir, supervisor.AFLBinary),
		filepath.Join(cfg.ExecsrvDir, supervisor.ExecsrvBinary),
		filepath.Join(cfg.QemuDir, supervisor.QemuBinary),
	} {
		info, err := os.Stat(bin)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("missing %s", bin))
			continue
		}
		if info.Mode()&0111 == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s is not executable", bin))
		}
	}
	if info, err := os.Stat(cfg.OpteeOutDir); err != nil || !info.IsDir() {
		errs = multierr.Append(errs, fmt.Errorf("missing image directory %s", cfg.OpteeOutDir))
	}
	return errs
}

// checkOverlayTooling verifies qemu-img is available when overlays are needed
func checkOverlayTooling(cfg config.FuzzerConfig) error {
	if !cfg.IsNormal() {
		return nil
	}
	if _, err := exec.LookPath(cfg.QemuImg); err != nil {
		return fmt.Errorf("%s not found: %w", cfg.QemuImg, err)
	}
	return nil
}

// checkPorts binds every console and statsd port the first threads instances use
func checkPorts(cfg config.FuzzerConfig, threads int) error {
	if threads <= 0 {
		threads = 1
	}
	var errs error
	for i := 0; i < threads; i++ {
		derived, err := config.Derive(cfg, i, strconv.Itoa(i))
		if err != nil {
			return err
		}
		for _, port := range []int{derived.StdioNormalPort, derived.StdioSecurePort} {
			ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("instance %d: tcp port %d: %w", i, port, err))
				continue
			}
			ln.Close()
		}
		_, port, err := derived.StatsdEndpoint()
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance %d: udp port %d: %w", i, port, err))
			continue
		}
		conn.Close()
	}
	return errs
}

// checkDiskSpace requires a gigabyte free under the root
func checkDiskSpace(cfg config.FuzzerConfig) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(cfg.Root, &stat); err != nil {
		return fmt.Errorf("failed to check filesystem: %w", err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		return fmt.Errorf("insufficient disk space: %d MiB available (minimum 1024 MiB)", free>>20)
	}
	return nil
}

// checkWriteAccess verifies benchmark directories can be created under the root
func checkWriteAccess(cfg config.FuzzerConfig) error {
	dir, err := os.MkdirTemp(cfg.Root, ".fuzzbench-check-")
	if err != nil {
		return fmt.Errorf("cannot create directories under %s: %w", cfg.Root, err)
	}
	return os.RemoveAll(dir)
}
