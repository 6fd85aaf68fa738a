/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: progress.go
Description: Single line progress display for a running benchmark.
*/

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/instance"
)

const progressWidth = 30

// progress redraws the progress line every interval until ctx is done
func (o *Orchestrator) progress(ctx context.Context, instances []*instance.Instance, started time.Time, duration time.Duration) {
	ticker := time.NewTicker(o.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		fmt.Fprint(o.opts.Progress, progressLine(instances, time.Since(started), duration))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// progressLine renders "\r[#####     ]  42% 0:21/0:50 running 3/4 finished 1/4"
func progressLine(instances []*instance.Instance, elapsed, duration time.Duration) string {
	var running, finished int
	for _, inst := range instances {
		switch inst.State() {
		case instance.StateRunning:
			running++
		case instance.StateFinished:
			finished++
		}
	}

	ratio := 0.0
	if duration > 0 {
		ratio = float64(elapsed) / float64(duration)
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * progressWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", progressWidth-filled)

	return fmt.Sprintf("\r[%s] %3.0f%% %s/%s running %d/%d finished %d/%d",
		bar, ratio*100, clock(elapsed), clock(duration), running, len(instances), finished, len(instances))
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
