// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package network

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the listener uses.
type UDPSocket interface {
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates sockets. Tests inject a mock one.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory opens real sockets with net.ListenUDP. *net.UDPConn
// satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket is one datagram seen by a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr netip.AddrPort
}

// MockUDPSocket is an in-memory UDPSocket. Reads block until a datagram is
// delivered, the read deadline passes or the socket is closed, like a real
// socket does.
type MockUDPSocket struct {
	LocalAddress *net.UDPAddr

	incoming  chan MockUDPPacket
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	deadline       time.Time
	written        []MockUDPPacket
	readBufferSize int
	writeErr       error
}

func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969},
		incoming:     make(chan MockUDPPacket, 1024),
		closed:       make(chan struct{}),
	}
}

// Deliver queues a datagram for the next read.
func (m *MockUDPSocket) Deliver(data []byte, from netip.AddrPort) {
	m.incoming <- MockUDPPacket{Data: append([]byte(nil), data...), Addr: from}
}

func (m *MockUDPSocket) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-m.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case p := <-m.incoming:
		return copy(b, p.Data), p.Addr, nil
	case <-timeout:
		return 0, netip.AddrPort{}, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
}

func (m *MockUDPSocket) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}
	m.written = append(m.written, MockUDPPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// FailWrites makes every following write return err. nil restores writes.
func (m *MockUDPSocket) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Written returns a copy of every datagram written so far.
func (m *MockUDPSocket) Written() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.written...)
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value last passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

// MockUDPSocketFactory hands out a fixed socket, or fails with Error.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
