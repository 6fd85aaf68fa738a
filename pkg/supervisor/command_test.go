/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: command_test.go
Description: Tests for the child command line and environment builders.
*/

package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func derived(t *testing.T, index int) config.FuzzerConfig {
	t.Helper()
	tmpl := config.Defaults()
	tmpl.Root = t.TempDir()
	cfg, err := config.Derive(tmpl, index, filepath.Join("bench", "x"))
	require.NoError(t, err)
	return cfg
}

func indexOf(args []string, value string, from int) int {
	for i := from; i < len(args); i++ {
		if args[i] == value {
			return i
		}
	}
	return -1
}

func TestBuildFuzzerNestsThreeTools(t *testing.T) {
	cfg := derived(t, 2)
	cmd, err := Build(cfg, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.OpteeOutDir, AFLBinary), cmd.Path)
	assert.Equal(t, cfg.OpteeOutDir, cmd.Dir)

	seps := 0
	for _, arg := range cmd.Args {
		if arg == "--" {
			seps++
		}
	}
	require.Equal(t, 2, seps)

	first := indexOf(cmd.Args, "--", 0)
	second := indexOf(cmd.Args, "--", first+1)
	assert.Equal(t, filepath.Join(cfg.ExecsrvDir, ExecsrvBinary), cmd.Args[first+1])
	assert.Equal(t, "-nographic", cmd.Args[second+1])

	afl := cmd.Args[:first]
	assert.Equal(t, []string{"-Q", "external", "-m", "none", "-t", "50000", "-i", cfg.Input, "-o", cfg.Output}, afl)

	srv := cmd.Args[first+2 : second]
	assert.Equal(t, []string{"-l", cfg.ExecsrvLogFile, "-p", filepath.Join(cfg.QemuDir, QemuBinary)}, srv)

	qemu := cmd.Args[second+1:]
	assert.Equal(t, "tcp:localhost:54324", qemu[indexOf(qemu, "-serial", 0)+1])
	assert.Equal(t, "tcp:localhost:54325", qemu[indexOf(qemu, "-serial", 3)+1])
	assert.Equal(t, TestcasePlaceholder, qemu[indexOf(qemu, "--testcase", 0)+1])
	assert.Equal(t, cfg.QemuLogFile, qemu[indexOf(qemu, "-D", 0)+1])
	assert.Equal(t, -1, indexOf(qemu, "-drive", 0))
	assert.Equal(t, "console=ttyAMA0,38400 keep_bootcon root=/dev/vda2 fuzz exit", qemu[len(qemu)-1])
}

func TestBuildNormalModeAddsDrive(t *testing.T) {
	cfg := derived(t, 0)
	cfg.Mode = config.RevertNormal
	cmd, err := Build(cfg, "/tmpfs/disk.qcow2")
	require.NoError(t, err)
	i := indexOf(cmd.Args, "-drive", 0)
	require.NotEqual(t, -1, i)
	assert.Equal(t, "file=/tmpfs/disk.qcow2", cmd.Args[i+1])
}

func TestKernelArgs(t *testing.T) {
	cfg := derived(t, 0)
	cases := map[config.RevertMode]string{
		config.RevertNormal:    "fuzz",
		config.RevertFast:      "fuzz",
		config.RevertNone:      "host_fuzz",
		config.RevertTrustZone: "fuzz_no_reverts",
	}
	for mode, want := range cases {
		cfg.Mode = mode
		assert.Equal(t, []string{want}, KernelArgs(cfg), "mode %s", mode)
	}

	cfg.Command = config.CommandTestcase
	cfg.Testcases = []string{"00ff", "abcd"}
	assert.Equal(t, []string{"testcase=00ff", "testcase=abcd"}, KernelArgs(cfg))

	cfg.Command = config.CommandTCGen
	assert.Equal(t, []string{"tcgen"}, KernelArgs(cfg))

	cfg.Command = config.CommandQemu
	assert.Empty(t, KernelArgs(cfg))
}

func TestBuildStandaloneRunsEmulatorOnly(t *testing.T) {
	cfg := derived(t, 0)
	cfg.Command = config.CommandQemu
	cfg.Exit = false
	cmd, err := Build(cfg, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.QemuDir, QemuBinary), cmd.Path)
	assert.Equal(t, -1, indexOf(cmd.Args, "--", 0))
	assert.Equal(t, -1, indexOf(cmd.Args, "--testcase", 0))
	assert.Equal(t, "console=ttyAMA0,38400 keep_bootcon root=/dev/vda2", cmd.Args[len(cmd.Args)-1])

	cfg.Command = "shell"
	_, err = Build(cfg, "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEnv(t *testing.T) {
	cfg := derived(t, 3)
	cfg.ExtraEnv = []string{"ZZZ=1", "AAA=2"}
	env := Env(cfg)

	for _, want := range []string{
		"AFL_DEBUG=1",
		"AFL_SKIP_CPUFREQ=1",
		"AFL_NO_AFFINITY=1",
		"AFL_STATSD=1",
		"AFL_STATSD_HOST=127.0.0.1",
		"AFL_STATSD_PORT=8128",
		"AFL_STATSD_TAGS_FLAVOR=dogstatsd",
		"FUZZER_DEBUG_LOG=1",
		"FUZZER_FAST_VMSAVE=1",
		"FUZZER_TC_DECODING_MODE=dsl",
	} {
		assert.Contains(t, env, want)
	}
	assert.Equal(t, []string{"ZZZ=1", "AAA=2"}, env[len(env)-2:])

	cfg.Mode = config.RevertNone
	cfg.EnableStatsd = false
	cfg.TCDir = "/tmp/tc"
	env = Env(cfg)
	assert.NotContains(t, env, "FUZZER_FAST_VMSAVE=1")
	assert.NotContains(t, env, "AFL_STATSD=1")
	assert.Contains(t, env, "FUZZER_TC_SAVE_DIR=/tmp/tc")
}

func TestEncodeTestcases(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte{0xab, 0xcd}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("hi"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	single, err := EncodeTestcases(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"6869"}, single)

	all, err := EncodeTestcases(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"6869", "abcd"}, all)

	_, err = EncodeTestcases(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
