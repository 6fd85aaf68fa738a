/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profiler.go
Description: Harness self-profiling. Captures CPU, heap and goroutine profiles of the
fuzzbench process over a benchmark so stuck drains or leaking supervisors can be
inspected with pprof afterwards.
*/

package monitoring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ProfilerType represents the type of profiling
type ProfilerType string

const (
	ProfilerTypeCPU       ProfilerType = "cpu"
	ProfilerTypeMemory    ProfilerType = "memory"
	ProfilerTypeGoroutine ProfilerType = "goroutine"
)

var (
	ErrProfilerRunning    = errors.New("profiler already running")
	ErrProfilerNotRunning = errors.New("profiler not running")
)

// ProfilerConfig selects the profiles to capture
type ProfilerConfig struct {
	OutputDir        string `json:"output_dir"`
	CPUProfile       bool   `json:"cpu_profile"`
	MemoryProfile    bool   `json:"memory_profile"`
	GoroutineProfile bool   `json:"goroutine_profile"`
}

// Enabled reports whether any profile is selected
func (c ProfilerConfig) Enabled() bool {
	return c.CPUProfile || c.MemoryProfile || c.GoroutineProfile
}

// ProfileResult describes one written profile
type ProfileResult struct {
	Type       ProfilerType  `json:"type"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	OutputFile string        `json:"output_file"`
	Size       int64         `json:"size"`
}

// Profiler captures pprof profiles between Start and Stop
type Profiler struct {
	config ProfilerConfig
	logger *logrus.Entry

	mu      sync.Mutex
	running bool
	started time.Time
	cpuFile *os.File
	stamp   string
}

// NewProfiler creates a new profiler
func NewProfiler(config ProfilerConfig, logger *logrus.Entry) *Profiler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Profiler{config: config, logger: logger}
}

// Enabled reports whether the profiler captures anything
func (p *Profiler) Enabled() bool {
	return p.config.Enabled()
}

// Start begins CPU profiling. Snapshot profiles are taken on Stop.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrProfilerRunning
	}
	if err := os.MkdirAll(p.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	p.started = time.Now()
	p.stamp = p.started.Format("20060102_150405")

	if p.config.CPUProfile {
		file, err := os.Create(p.path(ProfilerTypeCPU))
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(file); err != nil {
			file.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = file
		p.logger.Info("CPU profiling started")
	}
	p.running = true
	return nil
}

// Stop ends CPU profiling, writes the snapshot profiles and returns what was written
func (p *Profiler) Stop() ([]ProfileResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrProfilerNotRunning
	}
	p.running = false
	elapsed := time.Since(p.started)

	var results []ProfileResult
	var errs error
	record := func(kind ProfilerType) {
		path := p.path(kind)
		result := ProfileResult{Type: kind, StartTime: p.started, Duration: elapsed, OutputFile: path}
		if info, err := os.Stat(path); err == nil {
			result.Size = info.Size()
		}
		results = append(results, result)
		p.logger.WithFields(logrus.Fields{"type": kind, "file": path}).Info("Profile written")
	}

	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		errs = multierr.Append(errs, p.cpuFile.Close())
		p.cpuFile = nil
		record(ProfilerTypeCPU)
	}
	if p.config.MemoryProfile {
		runtime.GC()
		if err := p.writeLookup(ProfilerTypeMemory, "heap"); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			record(ProfilerTypeMemory)
		}
	}
	if p.config.GoroutineProfile {
		if err := p.writeLookup(ProfilerTypeGoroutine, "goroutine"); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			record(ProfilerTypeGoroutine)
		}
	}
	return results, errs
}

// IsRunning reports whether a profile is in progress
func (p *Profiler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Profiler) writeLookup(kind ProfilerType, name string) error {
	file, err := os.Create(p.path(kind))
	if err != nil {
		return fmt.Errorf("failed to create %s profile file: %w", kind, err)
	}
	defer file.Close()
	if err := pprof.Lookup(name).WriteTo(file, 0); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", kind, err)
	}
	return nil
}

func (p *Profiler) path(kind ProfilerType) string {
	return filepath.Join(p.config.OutputDir, fmt.Sprintf("%s_%s.prof", kind, p.stamp))
}
