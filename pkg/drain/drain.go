/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: drain.go
Description: Stream drains copy telemetry arriving on local sockets into log files.
One drain runs per channel (secure console, normal console, statsd metrics). Drains
stop on an explicit signal, finish with a bounded final pass so the last burst the
child emits is kept, and never take the instance down on a socket error.
*/

package drain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Channel names used for the three telemetry streams of an instance
const (
	ChannelSecure = "secure"
	ChannelNormal = "normal"
	ChannelMetric = "metric"
)

const (
	DefaultChunkSize    = 0x1000
	DefaultDatagramSize = 0x10000
	DefaultGrace        = 200 * time.Millisecond
	DefaultMaxGrace     = 2 * time.Second
)

var (
	ErrNotBound     = errors.New("drain socket is not bound")
	ErrAlreadyBound = errors.New("drain socket is already bound")
)

// Drain copies one inbound byte stream into a file until told to stop
type Drain interface {
	// Name returns the telemetry channel the drain serves.
	Name() string
	// Addr returns the local address the drain is bound to.
	Addr() string
	// Bind acquires the local socket. It must succeed before the child starts.
	Bind() error
	// Run appends inbound bytes to the destination until stop is closed and the
	// final pass is over. Errors only describe why this drain ended.
	Run(stop <-chan struct{}) error
	// Close releases the socket. Calling it more than once is safe.
	Close() error
	// Written returns the number of bytes persisted so far.
	Written() int64
}

// Options tunes a drain
type Options struct {
	// ChunkSize is the receive buffer size.
	ChunkSize int
	// Grace is how long the final pass waits for more data after the stop
	// signal, restarted after every chunk.
	Grace time.Duration
	// MaxGrace bounds the whole final pass.
	MaxGrace time.Duration
	Logger   *logrus.Entry
	// OnChunk is called with the size of every chunk written.
	OnChunk func(n int)
}

func (o Options) withDefaults(chunk int) Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunk
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.MaxGrace < o.Grace {
		o.MaxGrace = DefaultMaxGrace
		if o.MaxGrace < o.Grace {
			o.MaxGrace = o.Grace
		}
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// base holds what TCP and UDP drains have in common
type base struct {
	name    string
	port    int
	path    string
	opts    Options
	written atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func (b *base) Name() string   { return b.name }
func (b *base) Written() int64 { return b.written.Load() }
func (b *base) Addr() string   { return fmt.Sprintf("127.0.0.1:%d", b.port) }

func (b *base) log() *logrus.Entry {
	return b.opts.Logger.WithFields(logrus.Fields{"channel": b.name, "addr": b.Addr()})
}

// openDestination creates the log file up front so a drain that never sees
// data still leaves a valid empty file behind.
func openDestination(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open drain destination: %w", err)
	}
	return file, nil
}

type reader interface {
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// pump copies chunks from conn into file until the peer goes away, the socket
// is closed or the final pass times out. Every chunk hits the file before the
// next read, so partial logs are inspectable during the run.
func (b *base) pump(conn reader, file *os.File, pass *finalPass, datagram bool) error {
	buf := make([]byte, b.opts.ChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			// Keep datagram boundaries as record boundaries.
			if datagram && chunk[n-1] != '\n' {
				chunk = append(chunk, '\n')
			}
			if _, werr := file.Write(chunk); werr != nil {
				return fmt.Errorf("failed to write %s log: %w", b.name, werr)
			}
			b.written.Add(int64(len(chunk)))
			if b.opts.OnChunk != nil {
				b.opts.OnChunk(len(chunk))
			}
			if deadline, ok := pass.extend(); ok {
				conn.SetReadDeadline(deadline)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				b.log().Debug("Peer closed telemetry stream")
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded) && pass.stopping():
				return nil
			case errors.Is(err, net.ErrClosed):
				return nil
			}
			return fmt.Errorf("receive on %s failed: %w", b.Addr(), err)
		}
	}
}

func (b *base) closeWith(closers ...io.Closer) error {
	b.closeOnce.Do(func() {
		for _, c := range closers {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}

// finalPass tracks the drain window that follows the stop signal
type finalPass struct {
	mu       sync.Mutex
	stopAt   time.Time
	grace    time.Duration
	maxGrace time.Duration
}

func newFinalPass(opts Options) *finalPass {
	return &finalPass{grace: opts.Grace, maxGrace: opts.MaxGrace}
}

// begin marks the stop signal and returns the first deadline
func (p *finalPass) begin() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopAt.IsZero() {
		p.stopAt = time.Now()
	}
	return p.deadlineLocked()
}

func (p *finalPass) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopAt.IsZero()
}

// extend returns the next deadline once stopping, capped at stopAt+maxGrace
func (p *finalPass) extend() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopAt.IsZero() {
		return time.Time{}, false
	}
	return p.deadlineLocked(), true
}

func (p *finalPass) deadlineLocked() time.Time {
	deadline := time.Now().Add(p.grace)
	if limit := p.stopAt.Add(p.maxGrace); deadline.After(limit) {
		deadline = limit
	}
	return deadline
}
