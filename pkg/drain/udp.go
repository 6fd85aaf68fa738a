/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: udp.go
Description: Datagram drain for the statsd metrics the fuzzer emits. Every datagram is
written as one newline terminated record.
*/

package drain

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// UDPDrain drains statsd datagrams
type UDPDrain struct {
	base

	mu   sync.Mutex
	sock *net.UDPConn
}

// NewUDP creates a metrics drain for port writing into path
func NewUDP(name string, port int, path string, opts Options) *UDPDrain {
	return &UDPDrain{base: base{name: name, port: port, path: path, opts: opts.withDefaults(DefaultDatagramSize)}}
}

// Bind opens the datagram socket
func (d *UDPDrain) Bind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sock != nil {
		return ErrAlreadyBound
	}
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.port})
	if err != nil {
		return fmt.Errorf("failed to bind %s socket: %w", d.name, err)
	}
	d.sock = sock
	return nil
}

// Run drains datagrams until stopped
func (d *UDPDrain) Run(stop <-chan struct{}) error {
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	if sock == nil {
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
			sock.SetReadDeadline(pass.begin())
		case <-done:
		}
	}()

	return d.pump(sock, file, pass, true)
}

// Close releases the socket
func (d *UDPDrain) Close() error {
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	if sock == nil {
		return d.closeWith()
	}
	return d.closeWith(io.Closer(sock))
}
