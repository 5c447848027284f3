// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/orientation"
	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/timeutil"
)

// MockTrackerOptions configures a simulated tracker device.
type MockTrackerOptions struct {
	Server   string // host:port of the tracker server
	MAC      [6]byte
	Sensors  int
	Family   flags.Family
	Firmware string
	Interval time.Duration // telemetry period
	Clock    timeutil.Clock
	Logger   *slog.Logger
}

// mockSensor is one IMU on the simulated device.
type mockSensor struct {
	hw     protocol.HardwareID
	source orientation.Source
	seq    uint64
	id     uint32
	acked  bool
	flags  []flags.SensorFlag
}

type mockTracker struct {
	opts   MockTrackerOptions
	conn   *net.UDPConn
	logger *slog.Logger

	mu      sync.Mutex
	sensors []*mockSensor
}

// RunMockTracker simulates tracker firmware: it handshakes every sensor,
// reports sensor info, streams telemetry from a mock pose source and
// answers heartbeats, handshake requests and flag changes from the server.
func RunMockTracker(ctx context.Context, opts MockTrackerOptions) error {
	if opts.Sensors <= 0 {
		opts.Sensors = 1
	}
	if !opts.Family.Known() {
		opts.Family = flags.FamilyBno0XX
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Firmware == "" {
		opts.Firmware = "mock"
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.Server)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", opts.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.Server, err)
	}
	defer conn.Close()

	m := &mockTracker{opts: opts, conn: conn, logger: opts.Logger}
	for i := 0; i < opts.Sensors; i++ {
		m.sensors = append(m.sensors, &mockSensor{
			hw:     protocol.HardwareID{MAC: opts.MAC, Sensor: uint8(i)},
			source: orientation.NewMockSource(opts.Clock, float64(i)),
			flags:  defaultFlags(opts.Family),
		})
	}
	m.logger.Info("mock tracker started", "server", opts.Server, "local", conn.LocalAddr().String(), "sensors", opts.Sensors)

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(ctx) }()

	for _, s := range m.sensors {
		if err := m.announce(s); err != nil {
			return err
		}
	}

	telemetry := opts.Clock.NewTicker(opts.Interval)
	defer telemetry.Stop()
	retry := opts.Clock.NewTicker(time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return nil
		case err := <-readErr:
			return err
		case <-retry.C():
			for _, s := range m.unacked() {
				if err := m.announce(s); err != nil {
					return err
				}
			}
		case <-telemetry.C():
			for _, s := range m.sensors {
				if err := m.sendTelemetry(s); err != nil {
					return err
				}
			}
		}
	}
}

func defaultFlags(family flags.Family) []flags.SensorFlag {
	var out []flags.SensorFlag
	for _, k := range flags.Kinds(family) {
		out = append(out, flags.Resolve(family, k.ID, true))
	}
	return out
}

func (m *mockTracker) unacked() []*mockSensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mockSensor
	for _, s := range m.sensors {
		if !s.acked {
			out = append(out, s)
		}
	}
	return out
}

// send encodes body with the sensor's next sequence number.
func (m *mockTracker) send(s *mockSensor, body protocol.Body) error {
	m.mu.Lock()
	s.seq++
	p := protocol.NewPacket(s.hw, s.seq, body)
	m.mu.Unlock()

	raw, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Type, err)
	}
	if _, err := m.conn.Write(raw); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			m.logger.Debug("mock tracker: server unreachable", "type", p.Type)
			return nil
		}
		return fmt.Errorf("send %s: %w", p.Type, err)
	}
	return nil
}

func (m *mockTracker) announce(s *mockSensor) error {
	if err := m.send(s, protocol.Handshake{
		Board:           1,
		MCU:             1,
		Family:          m.opts.Family,
		ProtocolVersion: 1,
		Firmware:        m.opts.Firmware,
	}); err != nil {
		return err
	}
	return m.sendSensorInfo(s)
}

func (m *mockTracker) sendSensorInfo(s *mockSensor) error {
	m.mu.Lock()
	info := protocol.SensorInfo{
		Family: m.opts.Family,
		Status: protocol.SensorOK,
		Flags:  append([]flags.SensorFlag(nil), s.flags...),
	}
	m.mu.Unlock()
	return m.send(s, info)
}

func (m *mockTracker) sendTelemetry(s *mockSensor) error {
	pose, err := s.source.Next()
	if err != nil {
		return err
	}
	g := orientation.GravityFromPose(pose)
	return m.send(s, protocol.Telemetry{
		Rotation:     pose.ToQuaternion().XYZW(),
		Acceleration: [3]float32{float32(g[0]), float32(g[1]), float32(g[2])},
	})
}

func (m *mockTracker) sensor(hw protocol.HardwareID) *mockSensor {
	for _, s := range m.sensors {
		if s.hw == hw {
			return s
		}
	}
	return nil
}

func (m *mockTracker) readLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ICMP port unreachable from a server that is not up yet
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		p, err := protocol.Decode(buf[:n])
		if err != nil {
			m.logger.Debug("mock tracker: undecodable reply", "err", err)
			continue
		}
		if err := m.handle(p); err != nil {
			return err
		}
	}
}

func (m *mockTracker) handle(p protocol.Packet) error {
	s := m.sensor(p.Hardware)
	if s == nil {
		m.logger.Debug("mock tracker: reply for unknown sensor", "hardware", p.Hardware)
		return nil
	}
	switch body := p.Body.(type) {
	case protocol.HandshakeAck:
		m.mu.Lock()
		s.id = body.TrackerID
		first := !s.acked
		s.acked = true
		m.mu.Unlock()
		if first {
			m.logger.Info("mock tracker: handshake acknowledged", "hardware", s.hw, "tracker", body.TrackerID)
		}
	case protocol.HandshakeRequest:
		m.mu.Lock()
		s.acked = false
		m.mu.Unlock()
		return m.announce(s)
	case protocol.Heartbeat:
		return m.send(s, protocol.Heartbeat{})
	case protocol.SetFlag:
		m.applyFlag(s, body.Flag)
		m.logger.Info("mock tracker: flag changed", "hardware", s.hw, "flag", body.Flag)
		return m.sendSensorInfo(s)
	case protocol.SensorInfoAck:
	default:
		m.logger.Debug("mock tracker: ignoring message", "type", p.Type)
	}
	return nil
}

func (m *mockTracker) applyFlag(s *mockSensor, f flags.SensorFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range s.flags {
		if have.ID() == f.ID() {
			s.flags[i] = f
			return
		}
	}
	s.flags = append(s.flags, f)
}

// ParseMAC parses a colon separated 6-byte MAC address.
func ParseMAC(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return out, err
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("want 6-byte MAC, got %d bytes", len(hw))
	}
	copy(out[:], hw)
	return out, nil
}
