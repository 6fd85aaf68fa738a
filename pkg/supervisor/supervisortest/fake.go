/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fake.go
Description: In-process stand-in for the fuzzing process tree. The fake child connects to
the instance's console and statsd sockets the way the emulator and afl-fuzz do, writes a
boot banner, and emits a final burst when it is stopped.
*/

package supervisortest

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleascm/optee-fuzzbench/pkg/config"
	"github.com/kleascm/optee-fuzzbench/pkg/supervisor"
)

// Lines written by every fake child
const (
	NormalBoot  = "normal boot\n"
	NormalBye   = "normal bye\n"
	SecureBoot  = "secure boot\n"
	SecureBye   = "secure bye\n"
	MetricFirst = "afl.execs_per_sec:5.1|g"
	MetricLast  = "afl.execs_per_sec:7.2|g"
)

// Launcher is a supervisor.Launcher backed by fake children
type Launcher struct {
	// Err fails every launch when set.
	Err error
	// FailPort fails the launch of the instance owning this normal console port.
	FailPort int
	// PanicPort panics in the launch of the instance owning this normal console port.
	PanicPort int
	// ExitAfter makes children exit on their own with ExitErr.
	ExitAfter time.Duration
	ExitErr   error

	launched atomic.Int32
	mu       sync.Mutex
	children []*Child
}

// Launch connects a fake child to the sockets of cfg
func (l *Launcher) Launch(ctx context.Context, cfg config.FuzzerConfig) (supervisor.Handle, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	if l.FailPort != 0 && cfg.StdioNormalPort == l.FailPort {
		return nil, fmt.Errorf("fake launch failure on port %d", l.FailPort)
	}
	if l.PanicPort != 0 && cfg.StdioNormalPort == l.PanicPort {
		panic(fmt.Sprintf("fake launch panic on port %d", l.PanicPort))
	}

	child := &Child{pid: 10000 + int(l.launched.Add(1)), done: make(chan struct{})}
	var err error
	if child.normal, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.StdioNormalPort)); err != nil {
		return nil, err
	}
	if child.secure, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.StdioSecurePort)); err != nil {
		child.normal.Close()
		return nil, err
	}
	if child.metric, err = net.Dial("udp", cfg.StatsdHost); err != nil {
		child.normal.Close()
		child.secure.Close()
		return nil, err
	}
	child.normal.Write([]byte(NormalBoot))
	child.secure.Write([]byte(SecureBoot))
	child.metric.Write([]byte(MetricFirst))

	if l.ExitAfter > 0 {
		go func() {
			time.Sleep(l.ExitAfter)
			child.exit(l.ExitErr)
		}()
	}

	l.mu.Lock()
	l.children = append(l.children, child)
	l.mu.Unlock()
	return child, nil
}

// Launched returns how many children were started
func (l *Launcher) Launched() int { return int(l.launched.Load()) }

// Children returns the started children
func (l *Launcher) Children() []*Child {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Child(nil), l.children...)
}

// Child is a fake process tree
type Child struct {
	pid     int
	once    sync.Once
	done    chan struct{}
	err     error
	stopped atomic.Int32

	normal, secure, metric net.Conn
}

func (c *Child) exit(err error) {
	c.once.Do(func() {
		// Final burst emitted on shutdown.
		c.normal.Write([]byte(NormalBye))
		c.secure.Write([]byte(SecureBye))
		c.metric.Write([]byte(MetricLast))
		c.normal.Close()
		c.secure.Close()
		c.metric.Close()
		c.err = err
		close(c.done)
	})
}

func (c *Child) Pid() int              { return c.pid }
func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Child) Stop(time.Duration) error {
	c.stopped.Add(1)
	c.exit(nil)
	return nil
}

// Stops returns how many times Stop was called
func (c *Child) Stops() int { return int(c.stopped.Load()) }

// PortBase finds a base port with count TCP port pairs free, followed by
// count free UDP ports. It returns the TCP base and the UDP base.
func PortBase(t testing.TB, count int) (int, int) {
	t.Helper()
	for attempt := 0; attempt < 100; attempt++ {
		base := 20000 + rand.Intn(30000)
		udpBase := base + 2*count
		if rangeFree("tcp", base, 2*count) && rangeFree("udp", udpBase, count) {
			return base, udpBase
		}
	}
	t.Fatalf("no free port range for %d instances", count)
	return 0, 0
}

func rangeFree(network string, base, n int) bool {
	for port := base; port < base+n; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if network == "tcp" {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return false
			}
			ln.Close()
			continue
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}

// Template returns a benchmark template rooted in a temporary directory with
// ports reserved for count instances
func Template(t testing.TB, count int) config.FuzzerConfig {
	t.Helper()
	tcp, udp := PortBase(t, count)
	cfg := config.Defaults()
	cfg.Root = t.TempDir()
	cfg.StdioNormalPort = tcp
	cfg.StdioSecurePort = tcp + 1
	cfg.StatsdHost = fmt.Sprintf("127.0.0.1:%d", udp)
	return cfg
}
