// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package network

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/tracker_server/internal/protocol"
)

// PacketStats counts datagram traffic. Counters are updated from the
// receive and scan goroutines without locking.
type PacketStats struct {
	received     atomic.Uint64
	bytes        atomic.Uint64
	dispatched   atomic.Uint64
	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	decodeErrors [protocol.ChecksumMismatch + 1]atomic.Uint64

	mu       sync.Mutex
	lastLog  time.Time
	lastRecv uint64
	started  time.Time
}

func NewPacketStats() *PacketStats {
	now := time.Now()
	return &PacketStats{started: now, lastLog: now}
}

func (s *PacketStats) AddReceived(n int) {
	s.received.Add(1)
	s.bytes.Add(uint64(n))
}

func (s *PacketStats) AddDispatched() { s.dispatched.Add(1) }
func (s *PacketStats) AddSent()       { s.sent.Add(1) }
func (s *PacketStats) AddSendError()  { s.sendErrors.Add(1) }

func (s *PacketStats) AddDecodeError(kind protocol.DecodeErrorKind) {
	if int(kind) < len(s.decodeErrors) {
		s.decodeErrors[kind].Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Uptime       time.Duration     `json:"uptime_ns"`
	Received     uint64            `json:"received"`
	Bytes        uint64            `json:"bytes"`
	Dispatched   uint64            `json:"dispatched"`
	Sent         uint64            `json:"sent"`
	SendErrors   uint64            `json:"send_errors"`
	DecodeErrors map[string]uint64 `json:"decode_errors"`
}

// TotalDecodeErrors sums the per-kind decode error counters.
func (s StatsSnapshot) TotalDecodeErrors() uint64 {
	var n uint64
	for _, v := range s.DecodeErrors {
		n += v
	}
	return n
}

func (s *PacketStats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Uptime:       time.Since(s.started),
		Received:     s.received.Load(),
		Bytes:        s.bytes.Load(),
		Dispatched:   s.dispatched.Load(),
		Sent:         s.sent.Load(),
		SendErrors:   s.sendErrors.Load(),
		DecodeErrors: make(map[string]uint64),
	}
	for kind := protocol.TooShort; kind <= protocol.ChecksumMismatch; kind++ {
		out.DecodeErrors[kind.String()] = s.decodeErrors[kind].Load()
	}
	return out
}

// LogStats logs totals plus the receive rate since the previous call. It is
// silent when nothing arrived in between.
func (s *PacketStats) LogStats(logger *slog.Logger) {
	snap := s.Snapshot()

	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastLog)
	delta := snap.Received - s.lastRecv
	s.lastLog = now
	s.lastRecv = snap.Received
	s.mu.Unlock()

	if delta == 0 {
		return
	}
	rate := 0.0
	if elapsed > 0 {
		rate = float64(delta) / elapsed.Seconds()
	}
	logger.Info("udp stats",
		"packets_per_sec", rate,
		"received", snap.Received,
		"bytes", snap.Bytes,
		"dispatched", snap.Dispatched,
		"sent", snap.Sent,
		"send_errors", snap.SendErrors,
		"decode_errors", snap.TotalDecodeErrors())
}
