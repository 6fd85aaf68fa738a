/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: supervisor.go
Description: Process supervisor for the fuzzing process tree. Prepares the install tree
(afl-fuzz symlink, output directory, disk overlay), starts the child in its own process
group with the configured output policy, and tracks every live child so that shutdown
can terminate and reap all of them.
*/

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrNotReaped is returned by Stop when the child survives SIGKILL for the grace period
var ErrNotReaped = errors.New("child process did not exit after kill")

// Launcher starts the child process tree of one instance
type Launcher interface {
	Launch(ctx context.Context, cfg config.FuzzerConfig) (Handle, error)
}

// Handle controls a running child
type Handle interface {
	Pid() int
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
	// Stop terminates the process group: SIGTERM, then SIGKILL after grace.
	Stop(grace time.Duration) error
}

// Output selects where the child's stdout and stderr go
type Output struct {
	// LogFile receives stdout; stderr goes to LogFile + ".err".
	LogFile string
	// Discard drops all output when LogFile is empty.
	Discard bool
}

// OutputFor returns the output policy of cfg
func OutputFor(cfg config.FuzzerConfig) Output {
	return Output{LogFile: cfg.AFLLogFile, Discard: cfg.NoOutput}
}

// Options configures a Supervisor
type Options struct {
	Logger *logrus.Entry
	// Stdout and Stderr receive inherited output. Defaults to os.Stdout/os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor launches children and keeps track of the live ones
type Supervisor struct {
	opts Options

	mu   sync.Mutex
	live map[int]*Process
}

// New creates a supervisor
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Supervisor{opts: opts, live: make(map[int]*Process)}
}

// Launch prepares the install tree for cfg and starts its process tree
func (s *Supervisor) Launch(ctx context.Context, cfg config.FuzzerConfig) (Handle, error) {
	var drive string
	switch cfg.Command {
	case config.CommandFuzzer:
		if err := LinkFuzzer(cfg); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(cfg.Output, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		if cfg.IsNormal() {
			overlay, err := CreateOverlay(ctx, cfg)
			if err != nil {
				return nil, err
			}
			drive = overlay
		}
	case config.CommandTCGen:
		if cfg.TCDir != "" {
			if err := os.MkdirAll(cfg.TCDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create test case directory: %w", err)
			}
		}
	}

	cmd, err := Build(cfg, drive)
	if err != nil {
		removeOverlay(drive)
		return nil, err
	}
	proc, err := s.Spawn(cmd, OutputFor(cfg), drive)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Spawn starts cmd in a new process group. overlay, when set, is removed
// once the child has exited.
func (s *Supervisor) Spawn(command Command, out Output, overlay string) (*Process, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	switch {
	case out.LogFile != "":
		stdout, err := os.OpenFile(out.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			removeOverlay(overlay)
			return nil, fmt.Errorf("failed to open child log: %w", err)
		}
		files = append(files, stdout)
		stderr, err := os.OpenFile(out.LogFile+".err", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			closeFiles()
			removeOverlay(overlay)
			return nil, fmt.Errorf("failed to open child error log: %w", err)
		}
		files = append(files, stderr)
		cmd.Stdout, cmd.Stderr = stdout, stderr
	case out.Discard:
		// nil connects both streams to the null device
		cmd.Stdout, cmd.Stderr = nil, nil
	default:
		cmd.Stdout, cmd.Stderr = s.opts.Stdout, s.opts.Stderr
	}

	if err := cmd.Start(); err != nil {
		closeFiles()
		removeOverlay(overlay)
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(command.Path), err)
	}

	proc := &Process{
		cmd:     cmd,
		done:    make(chan struct{}),
		overlay: overlay,
		log:     s.opts.Logger.WithField("pid", cmd.Process.Pid),
	}
	s.track(proc)
	proc.log.WithField("command", command.String()).Info("Child started")

	go func() {
		err := cmd.Wait()
		closeFiles()
		removeOverlay(overlay)
		s.untrack(proc)
		proc.err = err
		close(proc.done)
		proc.log.WithError(err).Debug("Child reaped")
	}()
	return proc, nil
}

// Live returns the number of children that have not exited yet
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Cleanup stops every live child
func (s *Supervisor) Cleanup(grace time.Duration) error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.live))
	for _, p := range s.live {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var errs error
	for _, p := range procs {
		p.log.Warn("Killing leftover child")
		errs = multierr.Append(errs, p.Stop(grace))
	}
	return errs
}

func (s *Supervisor) track(p *Process) {
	s.mu.Lock()
	s.live[p.Pid()] = p
	s.mu.Unlock()
}

func (s *Supervisor) untrack(p *Process) {
	s.mu.Lock()
	delete(s.live, p.Pid())
	s.mu.Unlock()
}

// Process is a child started by a Supervisor
type Process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	err     error
	overlay string
	log     *logrus.Entry
}

func (p *Process) Pid() int              { return p.cmd.Process.Pid }
func (p *Process) Done() <-chan struct{} { return p.done }

// Overlay returns the disk overlay path, if any
func (p *Process) Overlay() string { return p.overlay }

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop asks the process group to terminate and kills it after grace.
// Members left in the group after the leader exits are killed too.
func (p *Process) Stop(grace time.Duration) error {
	pgid := p.Pid()
	select {
	case <-p.done:
		killStragglers(pgid)
		return nil
	default:
	}

	if err := signalGroup(pgid, unix.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		killStragglers(pgid)
		return nil
	case <-timer.C:
	}

	p.log.Warn("Child ignored SIGTERM, killing process group")
	if err := signalGroup(pgid, unix.SIGKILL); err != nil {
		return err
	}
	timer.Reset(grace)
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: pid %d", ErrNotReaped, pgid)
	}
}

// killStragglers kills members left in the group of a reaped leader. The
// kernel keeps the id allocated while the group has members, so a live
// process with that pid means the group is gone and the id was reused.
func killStragglers(pgid int) {
	if _, err := unix.Getpgid(pgid); err == nil {
		return
	}
	signalGroup(pgid, unix.SIGKILL)
}

func signalGroup(pgid int, sig unix.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", pgid, err)
	}
	return nil
}

// LinkFuzzer symlinks afl-fuzz into the image output directory so that it
// runs next to the images. An existing link is kept.
func LinkFuzzer(cfg config.FuzzerConfig) error {
	link := filepath.Join(cfg.OpteeOutDir, AFLBinary)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	err := os.Symlink(filepath.Join(cfg.AFLDir, AFLBinary), link)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to link %s: %w", AFLBinary, err)
	}
	return nil
}

// CreateOverlay creates a fresh qcow2 disk for one normal mode instance
func CreateOverlay(ctx context.Context, cfg config.FuzzerConfig) (string, error) {
	if err := os.MkdirAll(cfg.Tmpfs, 0755); err != nil {
		return "", fmt.Errorf("failed to create tmpfs directory: %w", err)
	}
	path := filepath.Join(cfg.Tmpfs, "disk-"+uuid.NewString()+".qcow2")
	out, err := exec.CommandContext(ctx, cfg.QemuImg, "create", "-f", "qcow2", path, cfg.OverlaySize).CombinedOutput()
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to create disk overlay: %w: %s", err, out)
	}
	return path, nil
}

func removeOverlay(path string) {
	if path != "" {
		os.Remove(path)
	}
}
