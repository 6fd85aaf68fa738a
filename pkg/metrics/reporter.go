/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter.go
Description: Reporter interface and implementations for harness telemetry. Instances
notify reporters about lifecycle transitions, drained bytes and failures; the logger
and Prometheus reporters turn those events into log lines and counters.
*/

package metrics

import (
	"github.com/sirupsen/logrus"
)

// Reporter defines the hooks an instance calls while it runs
type Reporter interface {
	// OnStateChange is called after an instance enters a new lifecycle state.
	OnStateChange(index int, state string)
	// OnDrained is called for every chunk a drain persists.
	OnDrained(index int, channel string, n int)
	// OnError is called when an instance fails in any phase.
	OnError(index int, err error)
}

// NopReporter ignores every event
type NopReporter struct{}

func (NopReporter) OnStateChange(int, string)  {}
func (NopReporter) OnDrained(int, string, int) {}
func (NopReporter) OnError(int, error)         {}

// LoggerReporter logs instance events
type LoggerReporter struct {
	logger *logrus.Entry
}

// NewLoggerReporter creates a new LoggerReporter
func NewLoggerReporter(logger *logrus.Entry) *LoggerReporter {
	return &LoggerReporter{logger: logger}
}

// OnStateChange logs lifecycle transitions
func (r *LoggerReporter) OnStateChange(index int, state string) {
	r.logger.WithFields(logrus.Fields{"instance": index, "state": state}).Debug("Instance state changed")
}

// OnDrained logs drained chunks at trace level
func (r *LoggerReporter) OnDrained(index int, channel string, n int) {
	r.logger.WithFields(logrus.Fields{"instance": index, "channel": channel, "bytes": n}).Trace("Chunk drained")
}

// OnError records instance failures at debug level. Callers own the error line.
func (r *LoggerReporter) OnError(index int, err error) {
	r.logger.WithFields(logrus.Fields{"instance": index}).WithError(err).Debug("Instance error reported")
}

// multiReporter fans events out to several reporters
type multiReporter []Reporter

// Combine returns a reporter forwarding to every non-nil reporter
func Combine(reporters ...Reporter) Reporter {
	var out multiReporter
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return NopReporter{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiReporter) OnStateChange(index int, state string) {
	for _, r := range m {
		r.OnStateChange(index, state)
	}
}

func (m multiReporter) OnDrained(index int, channel string, n int) {
	for _, r := range m {
		r.OnDrained(index, channel, n)
	}
}

func (m multiReporter) OnError(index int, err error) {
	for _, r := range m {
		r.OnError(index, err)
	}
}
