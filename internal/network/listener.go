// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package network owns the tracker UDP socket: the receive loop, timeout
// scanning and outbound datagrams.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/timeutil"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

const (
	DefaultScanInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = time.Second
	DefaultLogInterval       = time.Minute

	readDeadline = 100 * time.Millisecond
)

// ErrNotRunning is returned by Send before Start has bound the socket or
// after it returned.
var ErrNotRunning = errors.New("network: listener not running")

// ErrAlreadyStarted is returned by a second call to Start. A Listener is
// single use.
var ErrAlreadyStarted = errors.New("network: listener already started")

// TransportError is a socket level failure. It ends Start.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Registry is what the listener needs from the tracker registry.
type Registry interface {
	Dispatch(ep netip.AddrPort, p protocol.Packet) []tracker.Outbound
	ScanTimeouts(now time.Time) int
	HeartbeatTargets() []tracker.Outbound
}

// ListenerConfig configures a Listener. Only Address and Registry are
// required.
type ListenerConfig struct {
	Address           string
	RcvBuf            int
	ScanInterval      time.Duration
	HeartbeatInterval time.Duration
	LogInterval       time.Duration
	Registry          Registry
	Stats             *PacketStats
	Clock             timeutil.Clock
	Logger            *slog.Logger
	SocketFactory     UDPSocketFactory
}

// Listener receives tracker datagrams on one UDP socket.
type Listener struct {
	address           string
	rcvBuf            int
	scanInterval      time.Duration
	heartbeatInterval time.Duration
	logInterval       time.Duration
	registry          Registry
	stats             *PacketStats
	clock             timeutil.Clock
	logger            *slog.Logger
	socketFactory     UDPSocketFactory

	started atomic.Bool
	connMu  sync.RWMutex
	conn    UDPSocket
	ready   chan struct{}
}

func NewListener(cfg ListenerConfig) *Listener {
	l := &Listener{
		address:           cfg.Address,
		rcvBuf:            cfg.RcvBuf,
		scanInterval:      cfg.ScanInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		logInterval:       cfg.LogInterval,
		registry:          cfg.Registry,
		stats:             cfg.Stats,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		socketFactory:     cfg.SocketFactory,
		ready:             make(chan struct{}),
	}
	if l.scanInterval <= 0 {
		l.scanInterval = DefaultScanInterval
	}
	if l.heartbeatInterval <= 0 {
		l.heartbeatInterval = DefaultHeartbeatInterval
	}
	if l.logInterval <= 0 {
		l.logInterval = DefaultLogInterval
	}
	if l.stats == nil {
		l.stats = NewPacketStats()
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.socketFactory == nil {
		l.socketFactory = RealUDPSocketFactory{}
	}
	return l
}

// Stats returns the listener's packet counters.
func (l *Listener) Stats() *PacketStats { return l.stats }

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// LocalAddr returns the bound address, or nil before Start binds.
func (l *Listener) LocalAddr() net.Addr {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and serves until ctx is cancelled or the socket
// fails. Cancellation returns nil; socket failures return a
// *TransportError. Before returning it stops the scan goroutine and closes
// the socket, so no transition is left half applied.
func (l *Listener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return &TransportError{Op: "resolve", Addr: l.address, Err: err}
	}
	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return &TransportError{Op: "listen", Addr: l.address, Err: err}
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			l.logger.Warn("failed to set udp receive buffer", "bytes", l.rcvBuf, "err", err)
		}
	}
	l.setConn(conn)

	// tickers exist before Ready so a test clock cannot advance past them
	tickers := scanTickers{
		scan:      l.clock.NewTicker(l.scanInterval),
		heartbeat: l.clock.NewTicker(l.heartbeatInterval),
		log:       l.clock.NewTicker(l.logInterval),
	}
	scanCtx, cancelScan := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.scanLoop(scanCtx, tickers)
	}()

	close(l.ready)
	l.logger.Info("udp listener started", "addr", conn.LocalAddr().String(), "rcvbuf", l.rcvBuf)

	err = l.receiveLoop(ctx, conn)

	cancelScan()
	wg.Wait()
	if cerr := l.Close(); cerr != nil {
		l.logger.Warn("udp close failed", "err", cerr)
	}
	l.logger.Info("udp listener stopped")
	return err
}

func (l *Listener) receiveLoop(ctx context.Context, conn UDPSocket) error {
	// one spare byte so oversized datagrams are seen as oversized
	buf := make([]byte, protocol.MaxDatagramSize+1)
	var deadlineErrLogged bool
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil && !deadlineErrLogged {
			l.logger.Warn("failed to set read deadline", "err", err)
			deadlineErrLogged = true
		}
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &TransportError{Op: "read", Addr: l.address, Err: err}
		}
		l.handleDatagram(buf[:n], from)
	}
}

// handleDatagram decodes and dispatches one datagram. Nothing in here can
// stop the loop.
func (l *Listener) handleDatagram(b []byte, from netip.AddrPort) {
	l.stats.AddReceived(len(b))
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	p, err := protocol.Decode(b)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			l.stats.AddDecodeError(de.Kind)
		}
		l.logger.Debug("dropping datagram", "from", from.String(), "len", len(b), "err", err)
		return
	}
	l.stats.AddDispatched()
	for _, o := range l.registry.Dispatch(from, p) {
		if err := l.Send(o); err != nil {
			l.logger.Warn("reply failed", "to", o.Endpoint.String(), "type", o.Packet.Type.String(), "err", err)
		}
	}
}

type scanTickers struct {
	scan, heartbeat, log timeutil.Ticker
}

// scanLoop drives timeout scanning, heartbeats and stats logging off the
// injected clock.
func (l *Listener) scanLoop(ctx context.Context, t scanTickers) {
	defer t.scan.Stop()
	defer t.heartbeat.Stop()
	defer t.log.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.scan.C():
			if n := l.registry.ScanTimeouts(now); n > 0 {
				l.logger.Debug("timeout scan", "transitions", n)
			}
		case <-t.heartbeat.C():
			for _, o := range l.registry.HeartbeatTargets() {
				if err := l.Send(o); err != nil {
					l.logger.Debug("heartbeat failed", "to", o.Endpoint.String(), "err", err)
				}
			}
		case <-t.log.C():
			l.stats.LogStats(l.logger)
		}
	}
}

// Send encodes and writes one outbound datagram. It is safe to call from any
// goroutine while Start is running.
func (l *Listener) Send(o tracker.Outbound) error {
	raw, err := protocol.Encode(o.Packet)
	if err != nil {
		l.stats.AddSendError()
		return fmt.Errorf("encode %s: %w", o.Packet.Type, err)
	}
	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return ErrNotRunning
	}
	if _, err := conn.WriteToUDPAddrPort(raw, o.Endpoint); err != nil {
		l.stats.AddSendError()
		return fmt.Errorf("write to %s: %w", o.Endpoint, err)
	}
	l.stats.AddSent()
	return nil
}

func (l *Listener) setConn(conn UDPSocket) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = conn
}

// Close closes the socket. It is safe to call more than once.
func (l *Listener) Close() error {
	l.connMu.Lock()
	conn := l.conn
	l.conn = nil
	l.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
