/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: supervisor_test.go
Description: Tests for child launching, output policy and termination.
*/

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSupervisor() *Supervisor {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(Options{Logger: logrus.NewEntry(logger)})
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func waitDone(t *testing.T, h Handle, within time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(within):
		t.Fatalf("child %d still running after %s", h.Pid(), within)
	}
}

func TestSpawnWritesOutputPolicy(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "afl.log")
	sup := testSupervisor()

	proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "echo out; echo err >&2; echo $FUZZ_TEST"}, Env: []string{"FUZZ_TEST=yes"}, Dir: dir},
		Output{LogFile: log}, "")
	require.NoError(t, err)
	waitDone(t, proc, 5*time.Second)
	require.NoError(t, proc.Err())

	stdout, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "out\nyes\n", string(stdout))
	stderr, err := os.ReadFile(log + ".err")
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))
	assert.Zero(t, sup.Live())
}

func TestStopEscalatesAndReaps(t *testing.T) {
	sup := testSupervisor()
	proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30 & wait"}},
		Output{Discard: true}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sup.Live())

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	require.NoError(t, proc.Stop(200*time.Millisecond))
	waitDone(t, proc, time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Error(t, proc.Err())
	assert.Zero(t, sup.Live())

	// Stopping an exited child is a no-op.
	assert.NoError(t, proc.Stop(10*time.Millisecond))
}

// exited reports whether pid is gone or left as a zombie
func exited(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	stat := string(data)
	fields := strings.Fields(stat[strings.LastIndex(stat, ")")+1:])
	return len(fields) > 0 && fields[0] == "Z"
}

func TestStopKillsGroupMembersAfterLeaderExit(t *testing.T) {
	dir := t.TempDir()
	sup := testSupervisor()
	proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30 & echo $! > straggler"}, Dir: dir},
		Output{Discard: true}, "")
	require.NoError(t, err)
	waitDone(t, proc, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "straggler"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	require.False(t, exited(pid))

	require.NoError(t, proc.Stop(time.Second))
	assert.Eventually(t, func() bool { return exited(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestKillStragglersSparesLiveLeader(t *testing.T) {
	sup := testSupervisor()
	other, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}, Output{Discard: true}, "")
	require.NoError(t, err)
	defer other.Stop(time.Second)

	// A live leader owning the id stands for a reused pid.
	killStragglers(other.Pid())
	select {
	case <-other.Done():
		t.Fatal("live process group was killed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopGracefulChild(t *testing.T) {
	sup := testSupervisor()
	proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}, Output{Discard: true}, "")
	require.NoError(t, err)

	require.NoError(t, proc.Stop(5*time.Second))
	waitDone(t, proc, time.Second)
}

func TestOverlayRemovedAfterExit(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "disk-test.qcow2")
	require.NoError(t, os.WriteFile(overlay, nil, 0644))

	sup := testSupervisor()
	proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "exit 3"}}, Output{Discard: true}, overlay)
	require.NoError(t, err)
	waitDone(t, proc, 5*time.Second)

	assert.Error(t, proc.Err())
	assert.NoFileExists(t, overlay)
}

func TestSpawnFailureRemovesOverlay(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "disk-test.qcow2")
	require.NoError(t, os.WriteFile(overlay, nil, 0644))

	_, err := testSupervisor().Spawn(Command{Path: "/nonexistent/afl-fuzz"}, Output{Discard: true}, overlay)
	assert.Error(t, err)
	assert.NoFileExists(t, overlay)
}

func TestCleanupStopsLiveChildren(t *testing.T) {
	sup := testSupervisor()
	var procs []*Process
	for i := 0; i < 3; i++ {
		proc, err := sup.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}, Output{Discard: true}, "")
		require.NoError(t, err)
		procs = append(procs, proc)
	}
	require.Equal(t, 3, sup.Live())

	require.NoError(t, sup.Cleanup(time.Second))
	for _, proc := range procs {
		waitDone(t, proc, time.Second)
	}
	assert.Zero(t, sup.Live())
}

func TestLinkFuzzer(t *testing.T) {
	cfg := config.Defaults()
	cfg.AFLDir = t.TempDir()
	cfg.OpteeOutDir = t.TempDir()

	require.NoError(t, LinkFuzzer(cfg))
	require.NoError(t, LinkFuzzer(cfg))

	target, err := os.Readlink(filepath.Join(cfg.OpteeOutDir, AFLBinary))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.AFLDir, AFLBinary), target)
}

func fakeInstall(t *testing.T) config.FuzzerConfig {
	t.Helper()
	tmpl := config.Defaults()
	tmpl.Root = t.TempDir()
	root := tmpl.Root

	writeScript(t, filepath.Join(root, "optee/AFLplusplus", AFLBinary), `echo "$@"; sleep 30`)
	writeScript(t, filepath.Join(root, "optee/qemu/build", QemuBinary), `echo "$@"`)
	writeScript(t, filepath.Join(root, "bin", "qemu-img"), `touch "$4"`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "optee/out/bin"), 0755))
	tmpl.QemuImg = filepath.Join(root, "bin", "qemu-img")

	cfg, err := config.Derive(tmpl, 1, filepath.Join(root, "bench", "1"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.InstanceDir(), 0755))
	return cfg
}

func TestLaunchFuzzerNormalMode(t *testing.T) {
	cfg := fakeInstall(t)
	cfg.Mode = config.RevertNormal
	sup := testSupervisor()

	h, err := sup.Launch(context.Background(), cfg)
	require.NoError(t, err)
	proc := h.(*Process)
	require.NotEmpty(t, proc.Overlay())
	assert.FileExists(t, proc.Overlay())
	assert.DirExists(t, cfg.Output)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(cfg.AFLLogFile)
		return strings.Contains(string(data), "-drive file="+proc.Overlay())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Stop(time.Second))
	waitDone(t, h, time.Second)
	assert.NoFileExists(t, proc.Overlay())
}

func TestLaunchQemuOnly(t *testing.T) {
	cfg := fakeInstall(t)
	cfg.Command = config.CommandQemu

	h, err := testSupervisor().Launch(context.Background(), cfg)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)
	require.NoError(t, h.Err())

	data, err := os.ReadFile(cfg.AFLLogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "-serial tcp:localhost:54322")
	assert.NotContains(t, string(data), "--testcase")
}
