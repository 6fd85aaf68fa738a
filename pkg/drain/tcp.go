/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: tcp.go
Description: Connection oriented drain for the emulator serial consoles. Listens on a
fixed local port before the child starts and accepts exactly one client.
*/

package drain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// TCPDrain drains a single console connection
type TCPDrain struct {
	base

	mu     sync.Mutex
	ln     *net.TCPListener
	client *net.TCPConn
}

// NewTCP creates a console drain for port writing into path
func NewTCP(name string, port int, path string, opts Options) *TCPDrain {
	return &TCPDrain{base: base{name: name, port: port, path: path, opts: opts.withDefaults(DefaultChunkSize)}}
}

// Bind starts listening on the console port
func (d *TCPDrain) Bind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return ErrAlreadyBound
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.port})
	if err != nil {
		return fmt.Errorf("failed to listen for %s console: %w", d.name, err)
	}
	d.ln = ln
	return nil
}

// Run accepts the console client and drains it until stopped
func (d *TCPDrain) Run(stop <-chan struct{}) error {
	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()
	if ln == nil {
		return ErrNotBound
	}

	file, err := openDestination(d.path)
	if err != nil {
		return err
	}
	defer file.Close()

	pass := newFinalPass(d.opts)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stop:
			deadline := pass.begin()
			ln.SetDeadline(deadline)
			if conn := d.conn(); conn != nil {
				conn.SetReadDeadline(deadline)
			}
		case <-done:
		}
	}()

	conn, err := ln.AcceptTCP()
	if err != nil {
		if pass.stopping() || errors.Is(err, net.ErrClosed) {
			d.log().Debug("No client connected before shutdown")
			return nil
		}
		return fmt.Errorf("accept on %s failed: %w", d.Addr(), err)
	}
	d.mu.Lock()
	d.client = conn
	d.mu.Unlock()
	if deadline, ok := pass.extend(); ok {
		conn.SetReadDeadline(deadline)
	}
	d.log().WithField("peer", conn.RemoteAddr().String()).Debug("Console client connected")

	return d.pump(conn, file, pass, false)
}

func (d *TCPDrain) conn() *net.TCPConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// Close releases the listener and the client connection
func (d *TCPDrain) Close() error {
	d.mu.Lock()
	ln, client := d.ln, d.client
	d.mu.Unlock()
	var closers []io.Closer
	if ln != nil {
		closers = append(closers, ln)
	}
	if client != nil {
		closers = append(closers, client)
	}
	return d.closeWith(closers...)
}
