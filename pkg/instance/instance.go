/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: instance.go
Description: One fuzzing instance of a benchmark. Owns its derived configuration, its
directory tree, the three telemetry drains and the supervised child, and walks through
created -> configured -> running -> finished. Teardown is ordered so the final burst of
telemetry the child emits while shutting down is still persisted.
*/

package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/drain"
	"github.com/kleascm/optee-fuzzbench/pkg/metrics"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
	"github.com/kleascm/optee-fuzzbench/pkg/utils"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// SnapshotName is the per-instance record of the configuration it ran with
const SnapshotName = "config.yaml"

var (
	// ErrInvalidState is returned for an operation the current state does not allow.
	ErrInvalidState = errors.New("invalid instance state")
	// ErrChildExited is returned when the child exits with an error before its run time is over.
	ErrChildExited = errors.New("child exited before the run ended")
)

// State is the lifecycle position of an instance
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const DefaultStopGrace = 5 * time.Second

// Options configures an instance
type Options struct {
	Logger   *logrus.Entry
	Reporter metrics.Reporter
	// StopGrace is how long the child gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// Drain tunes the final pass of the telemetry drains.
	Drain drain.Options
}

// Instance is one supervised fuzzing run
type Instance struct {
	template config.FuzzerConfig
	launcher supervisor.Launcher
	opts     Options

	mu       sync.Mutex
	state    State
	index    int
	cfg      config.FuzzerConfig
	drains   []drain.Drain
	child    supervisor.Handle
	started  time.Time
	ended    time.Time
	log      *logrus.Entry
	finished sync.Once
	closeErr error
}

// New creates an instance that will run children through launcher
func New(template config.FuzzerConfig, launcher supervisor.Launcher, opts Options) *Instance {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Reporter == nil {
		opts.Reporter = metrics.NopReporter{}
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	return &Instance{
		template: template,
		launcher: launcher,
		opts:     opts,
		index:    -1,
		log:      opts.Logger,
	}
}

// Setup derives the configuration for index, creates subdir with its input and
// output directories, binds the telemetry sockets and seeds the corpus.
// An existing subdir is an error.
func (i *Instance) Setup(index int, subdir, corpus string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateCreated {
		return fmt.Errorf("%w: setup in state %s", ErrInvalidState, i.state)
	}
	i.index = index
	i.log = i.opts.Logger.WithField("instance", index)

	cfg, err := config.Derive(i.template, index, subdir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	i.cfg = cfg

	dir := cfg.InstanceDir()
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	for _, d := range []string{cfg.Input, cfg.Output} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Base(d), err)
		}
	}

	if err := i.bindDrains(); err != nil {
		return err
	}

	if corpus != "" {
		n, err := utils.CopyDirFlat(corpus, cfg.Input)
		if err != nil {
			return err
		}
		i.log.WithField("files", n).Debug("Corpus copied")
	}
	if err := cfg.WriteSnapshot(filepath.Join(dir, SnapshotName)); err != nil {
		return err
	}

	i.setStateLocked(StateConfigured)
	return nil
}

// bindDrains binds all three telemetry sockets before anything is launched
func (i *Instance) bindDrains() error {
	_, statsPort, err := i.cfg.StatsdEndpoint()
	if err != nil {
		return err
	}
	drainLog := i.log.WithField("subsystem", "drain")
	opts := func(channel string) drain.Options {
		o := i.opts.Drain
		o.Logger = drainLog
		index, reporter := i.index, i.opts.Reporter
		o.OnChunk = func(n int) { reporter.OnDrained(index, channel, n) }
		return o
	}

	i.drains = []drain.Drain{
		drain.NewTCP(drain.ChannelNormal, i.cfg.StdioNormalPort, i.cfg.NormalLogFile, opts(drain.ChannelNormal)),
		drain.NewTCP(drain.ChannelSecure, i.cfg.StdioSecurePort, i.cfg.SecureLogFile, opts(drain.ChannelSecure)),
		drain.NewUDP(drain.ChannelMetric, statsPort, i.cfg.MetricLogFile, opts(drain.ChannelMetric)),
	}
	for _, d := range i.drains {
		if err := d.Bind(); err != nil {
			return err
		}
	}
	return nil
}

// Run drains telemetry and supervises the child for duration. A duration of
// zero or less runs until the child exits or ctx is cancelled.
func (i *Instance) Run(ctx context.Context, duration time.Duration) error {
	i.mu.Lock()
	if i.state != StateConfigured {
		state := i.state
		i.mu.Unlock()
		return fmt.Errorf("%w: run in state %s", ErrInvalidState, state)
	}
	i.started = time.Now()
	i.setStateLocked(StateRunning)
	drains, cfg, log := i.drains, i.cfg, i.log
	i.mu.Unlock()
	defer i.markEnded()

	stop := make(chan struct{})
	var g errgroup.Group
	for _, d := range drains {
		d := d
		g.Go(func() error {
			if err := d.Run(stop); err != nil {
				log.WithError(err).WithField("channel", d.Name()).Warn("Telemetry drain stopped")
			}
			return nil
		})
	}

	child, err := i.launcher.Launch(ctx, cfg)
	if err != nil {
		close(stop)
		g.Wait()
		return fmt.Errorf("failed to launch instance %d: %w", i.index, err)
	}
	i.mu.Lock()
	i.child = child
	i.mu.Unlock()
	log.WithFields(logrus.Fields{"pid": child.Pid(), "duration": duration}).Info("Instance running")

	var elapsed <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		elapsed = timer.C
	}

	var runErr error
	select {
	case <-elapsed:
		log.Debug("Run time elapsed")
	case <-ctx.Done():
		log.Info("Run interrupted")
	case <-child.Done():
		if err := child.Err(); err != nil {
			runErr = fmt.Errorf("%w: %v", ErrChildExited, err)
		} else if duration > 0 {
			log.Warn("Child exited before the run ended")
		}
	}

	// Terminate the child first so its last output reaches the drains, then
	// let the drains finish their final pass.
	if err := child.Stop(i.opts.StopGrace); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	close(stop)
	g.Wait()
	return runErr
}

// Finish releases the sockets and any child left running. Calling it again,
// or after a failed Setup or Run, is safe.
func (i *Instance) Finish() error {
	i.finished.Do(func() {
		i.mu.Lock()
		child, drains := i.child, i.drains
		i.mu.Unlock()

		var errs error
		if child != nil {
			select {
			case <-child.Done():
			default:
				errs = multierr.Append(errs, child.Stop(i.opts.StopGrace))
			}
		}
		for _, d := range drains {
			errs = multierr.Append(errs, d.Close())
		}

		i.mu.Lock()
		i.closeErr = errs
		i.markEndedLocked()
		i.setStateLocked(StateFinished)
		i.mu.Unlock()
	})
	return i.closeErr
}

func (i *Instance) setStateLocked(s State) {
	i.state = s
	i.opts.Reporter.OnStateChange(i.index, s.String())
}

func (i *Instance) markEnded() {
	i.mu.Lock()
	i.markEndedLocked()
	i.mu.Unlock()
}

func (i *Instance) markEndedLocked() {
	if !i.started.IsZero() && i.ended.IsZero() {
		i.ended = time.Now()
	}
}

// State returns the current lifecycle state
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Index returns the instance index, -1 before Setup
func (i *Instance) Index() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index
}

// Config returns the derived configuration
func (i *Instance) Config() config.FuzzerConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cfg
}

// Elapsed returns how long the instance has been running, or ran
func (i *Instance) Elapsed() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.started.IsZero():
		return 0
	case i.ended.IsZero():
		return time.Since(i.started)
	}
	return i.ended.Sub(i.started)
}

// Written returns the bytes persisted per telemetry channel
func (i *Instance) Written() map[string]int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]int64, len(i.drains))
	for _, d := range i.drains {
		out[d.Name()] = d.Written()
	}
	return out
}
