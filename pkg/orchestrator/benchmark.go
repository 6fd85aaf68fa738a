/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: benchmark.go
Description: Benchmark orchestrator. Runs N instances concurrently for a fixed duration,
each in its own directory under the benchmark root, isolates their failures, and writes
a summary of the batch next to the instance trees.
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/drain"
	"github.com/kleascm/optee-fuzzbench/pkg/instance"
	"github.com/kleascm/optee-fuzzbench/pkg/metrics"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
	"github.com/kleascm/optee-fuzzbench/pkg/utils"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// SummaryName is the file the batch summary is written to under the root
const SummaryName = "summary.json"

// ErrInstancePanic marks an instance that panicked during its lifecycle
var ErrInstancePanic = errors.New("instance panicked")

// Options configures an Orchestrator
type Options struct {
	// Root is the benchmark output directory. Reset deletes it.
	Root string
	// Corpus seeds every instance input directory. Empty skips seeding.
	Corpus   string
	Launcher supervisor.Launcher
	Reporter metrics.Reporter
	Logger   *logrus.Entry
	// Progress receives the progress line. Defaults to os.Stderr.
	Progress io.Writer
	// ProgressInterval defaults to one second.
	ProgressInterval time.Duration
	StopGrace        time.Duration
	Drain            drain.Options
}

// Orchestrator runs benchmark batches from a template configuration
type Orchestrator struct {
	template config.FuzzerConfig
	opts     Options
	log      *logrus.Entry
}

// InstanceResult is the outcome of one instance
type InstanceResult struct {
	Index   int              `json:"index"`
	Dir     string           `json:"dir"`
	State   string           `json:"state"`
	Error   string           `json:"error,omitempty"`
	Elapsed float64          `json:"elapsed_seconds"`
	Written map[string]int64 `json:"written_bytes,omitempty"`
}

// Summary describes a finished batch
type Summary struct {
	RunID     string           `json:"run_id"`
	Root      string           `json:"root"`
	Mode      string           `json:"mode"`
	Instances int              `json:"instances"`
	Duration  float64          `json:"duration_seconds"`
	Started   time.Time        `json:"started"`
	Elapsed   float64          `json:"elapsed_seconds"`
	Failed    int              `json:"failed"`
	Results   []InstanceResult `json:"results"`

	// Err aggregates the per-instance failures
	Err error `json:"-"`
}

// New creates an orchestrator for template
func New(template config.FuzzerConfig, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Reporter == nil {
		opts.Reporter = metrics.NopReporter{}
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	if opts.Root != "" && !filepath.IsAbs(opts.Root) && template.Root != "" {
		opts.Root = filepath.Join(template.Root, opts.Root)
	}
	return &Orchestrator{template: template, opts: opts, log: opts.Logger}
}

// Root returns the resolved benchmark root
func (o *Orchestrator) Root() string { return o.opts.Root }

// Reset deletes the benchmark root and creates it empty
func (o *Orchestrator) Reset() error {
	if o.opts.Root == "" || o.opts.Root == "/" {
		return fmt.Errorf("%w: refusing to reset benchmark root %q", config.ErrInvalidConfig, o.opts.Root)
	}
	if err := os.RemoveAll(o.opts.Root); err != nil {
		return fmt.Errorf("failed to delete benchmark root: %w", err)
	}
	if err := os.MkdirAll(o.opts.Root, 0755); err != nil {
		return fmt.Errorf("failed to create benchmark root: %w", err)
	}
	return nil
}

// RunFor runs count instances concurrently for duration each. Instance
// failures are logged and collected in the summary; the returned error only
// reports failures of the orchestration itself.
func (o *Orchestrator) RunFor(ctx context.Context, count int, duration time.Duration, showProgress bool) (*Summary, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: instance count must be positive", config.ErrInvalidConfig)
	}
	if err := o.template.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create benchmark root: %w", err)
	}

	started := time.Now()
	instances := make([]*instance.Instance, count)
	errs := make([]error, count)
	for i := range instances {
		instances[i] = instance.New(o.template, o.opts.Launcher, instance.Options{
			Logger:    o.log,
			Reporter:  o.opts.Reporter,
			StopGrace: o.opts.StopGrace,
			Drain:     o.opts.Drain,
		})
	}

	o.log.WithFields(logrus.Fields{
		"instances": count,
		"duration":  duration,
		"mode":      o.template.Mode,
		"root":      o.opts.Root,
	}).Info("Starting benchmark")

	progressDone := make(chan struct{})
	stopProgress := func() {}
	if showProgress {
		progressCtx, cancel := context.WithCancel(ctx)
		stopProgress = cancel
		go func() {
			defer close(progressDone)
			o.progress(progressCtx, instances, started, duration)
		}()
	} else {
		close(progressDone)
	}

	var g errgroup.Group
	for i := range instances {
		i := i
		g.Go(func() error {
			errs[i] = o.runInstance(ctx, instances[i], i, duration)
			return nil
		})
	}
	g.Wait()
	stopProgress()
	<-progressDone
	if showProgress {
		fmt.Fprintln(o.opts.Progress)
	}

	summary := o.summarize(instances, errs, started, duration)
	if err := utils.WriteJSON(filepath.Join(o.opts.Root, SummaryName), summary); err != nil {
		return summary, err
	}
	o.log.WithFields(logrus.Fields{
		"instances": count,
		"failed":    summary.Failed,
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info("Benchmark finished")
	return summary, nil
}

// runInstance walks one instance through its whole lifecycle. Finish runs
// whatever happened before it, and a panic becomes the instance error so the
// rest of the batch keeps running.
func (o *Orchestrator) runInstance(ctx context.Context, inst *instance.Instance, index int, duration time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInstancePanic, r)
		}
		err = multierr.Append(err, finish(inst))
		if err != nil {
			o.fail(index, err)
		}
	}()

	subdir := filepath.Join(o.opts.Root, strconv.Itoa(index))
	if err := inst.Setup(index, subdir, o.opts.Corpus); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := inst.Run(ctx, duration); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func finish(inst *instance.Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: finish: %v", ErrInstancePanic, r)
		}
	}()
	return inst.Finish()
}

// fail reports an instance failure. The reporter only counts it; the
// orchestrator log carries the error line.
func (o *Orchestrator) fail(index int, err error) {
	o.opts.Reporter.OnError(index, err)
	o.log.WithField("instance", index).WithError(err).Error("Instance failed")
}

func (o *Orchestrator) summarize(instances []*instance.Instance, errs []error, started time.Time, duration time.Duration) *Summary {
	summary := &Summary{
		RunID:     uuid.NewString(),
		Root:      o.opts.Root,
		Mode:      string(o.template.Mode),
		Instances: len(instances),
		Duration:  duration.Seconds(),
		Started:   started,
		Elapsed:   time.Since(started).Seconds(),
	}
	for i, inst := range instances {
		result := InstanceResult{
			Index:   i,
			Dir:     filepath.Join(o.opts.Root, strconv.Itoa(i)),
			State:   inst.State().String(),
			Elapsed: inst.Elapsed().Seconds(),
			Written: inst.Written(),
		}
		if errs[i] != nil {
			result.Error = errs[i].Error()
			summary.Failed++
			summary.Err = multierr.Append(summary.Err, fmt.Errorf("instance %d: %w", i, errs[i]))
		}
		summary.Results = append(summary.Results, result)
	}
	return summary
}
