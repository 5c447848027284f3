// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tracker holds the per-tracker lifecycle and the registry that owns
// every tracker the server has heard from.
package tracker

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/protocol"
)

// State is the lifecycle position of a tracker.
type State uint8

const (
	AwaitingHandshake State = iota
	Active
	TimedOut
	Removed
)

var stateNames = [...]string{
	AwaitingHandshake: "awaiting_handshake",
	Active:            "active",
	TimedOut:          "timed_out",
	Removed:           "removed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid tracker state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("invalid tracker state %q", text)
}

// DeviceInfo is what a tracker announced in its last handshake.
type DeviceInfo struct {
	Board           uint8        `json:"board"`
	MCU             uint8        `json:"mcu"`
	Family          flags.Family `json:"family"`
	ProtocolVersion uint16       `json:"protocol_version"`
	Firmware        string       `json:"firmware"`
}

// Tracker is the mutable per-device record. It is only touched while the
// owning Registry holds its lock; everything outside the registry sees
// Snapshot values.
type Tracker struct {
	id       uint32
	hardware protocol.HardwareID
	endpoint netip.AddrPort
	state    State
	session  uuid.UUID

	connectedAt time.Time
	lastSeen    time.Time

	device DeviceInfo
	status protocol.SensorStatus
	flags  map[uint16]flags.SensorFlag

	// announced is the last known family from a handshake, reported is the
	// last known family from sensor-info. They can legitimately differ.
	announced flags.Family
	reported  flags.Family

	telemetry     protocol.Telemetry
	haveTelemetry bool
	lastSeq       uint64
	haveSeq       bool
	outSeq        uint64
	flagChanges   uint64

	lastHandshakeRequest time.Time
}

func newTracker(hw protocol.HardwareID, ep netip.AddrPort, now time.Time) *Tracker {
	return &Tracker{
		hardware: hw,
		endpoint: ep,
		state:    AwaitingHandshake,
		lastSeen: now,
		flags:    make(map[uint16]flags.SensorFlag),
	}
}

// handshake moves the tracker to Active for a new session. The flag set is
// kept unless a handshake announces a different known family than the
// previous one did.
func (t *Tracker) handshake(m protocol.Handshake, now time.Time) {
	if m.Family.Known() {
		if t.announced.Known() && t.announced != m.Family {
			t.flags = make(map[uint16]flags.SensorFlag)
			t.reported = flags.FamilyUnknown
		}
		t.announced = m.Family
	}
	t.device = DeviceInfo{
		Board:           m.Board,
		MCU:             m.MCU,
		Family:          t.family(),
		ProtocolVersion: m.ProtocolVersion,
		Firmware:        m.Firmware,
	}
	t.session = uuid.New()
	t.connectedAt = now
	t.haveSeq = false
	t.lastSeq = 0
	t.state = Active
}

// family is the chip family flag ids are resolved against. Sensor-info
// wins over the handshake.
func (t *Tracker) family() flags.Family {
	if t.reported.Known() {
		return t.reported
	}
	return t.announced
}

// applyTelemetry stores the payload unless seq is not newer than the last
// applied one.
func (t *Tracker) applyTelemetry(seq uint64, m protocol.Telemetry) bool {
	if t.haveSeq && seq <= t.lastSeq {
		return false
	}
	t.lastSeq = seq
	t.haveSeq = true
	t.telemetry = m
	t.haveTelemetry = true
	return true
}

// FlagChange is one flag whose state differs from what the tracker reported
// before. Previous is flags.Unknown when the flag was not known yet.
type FlagChange struct {
	Previous flags.SensorFlag
	Current  flags.SensorFlag
}

// applySensorInfo merges a sensor-info report into the flag set and returns
// the flags whose state actually changed.
func (t *Tracker) applySensorInfo(m protocol.SensorInfo) []FlagChange {
	t.status = m.Status
	if m.Family.Known() {
		t.reported = m.Family
		t.device.Family = m.Family
	}
	var changes []FlagChange
	for _, f := range m.Flags {
		if f.IsUnknown() {
			continue
		}
		prev, ok := t.flags[f.ID()]
		if ok && prev.State() == f.State() {
			continue
		}
		t.flags[f.ID()] = f
		t.flagChanges++
		change := FlagChange{Current: f}
		if ok {
			change.Previous = prev
		}
		changes = append(changes, change)
	}
	return changes
}

func (t *Tracker) nextSeq() uint64 {
	t.outSeq++
	return t.outSeq
}

func (t *Tracker) outbound(body protocol.Body) Outbound {
	return Outbound{
		Endpoint: t.endpoint,
		Packet:   protocol.NewPacket(t.hardware, t.nextSeq(), body),
	}
}

// Snapshot is an immutable copy of a tracker's summary.
type Snapshot struct {
	ID           uint32                `json:"id"`
	Hardware     protocol.HardwareID   `json:"hardware"`
	Endpoint     netip.AddrPort        `json:"endpoint"`
	State        State                 `json:"state"`
	Session      uuid.UUID             `json:"session"`
	ConnectedAt  time.Time             `json:"connected_at"`
	LastSeen     time.Time             `json:"last_seen"`
	Device       DeviceInfo            `json:"device"`
	SensorStatus protocol.SensorStatus `json:"sensor_status"`
	Flags        []flags.SensorFlag    `json:"flags"`
	Telemetry    *protocol.Telemetry   `json:"telemetry,omitempty"`
	TelemetrySeq uint64                `json:"telemetry_seq"`
	FlagChanges  uint64                `json:"flag_changes"`
}

func (t *Tracker) snapshot() Snapshot {
	s := Snapshot{
		ID:           t.id,
		Hardware:     t.hardware,
		Endpoint:     t.endpoint,
		State:        t.state,
		Session:      t.session,
		ConnectedAt:  t.connectedAt,
		LastSeen:     t.lastSeen,
		Device:       t.device,
		SensorStatus: t.status,
		Flags:        make([]flags.SensorFlag, 0, len(t.flags)),
		TelemetrySeq: t.lastSeq,
		FlagChanges:  t.flagChanges,
	}
	for _, f := range t.flags {
		s.Flags = append(s.Flags, f)
	}
	sort.Slice(s.Flags, func(i, j int) bool { return s.Flags[i].ID() < s.Flags[j].ID() })
	if t.haveTelemetry {
		tel := t.telemetry
		s.Telemetry = &tel
	}
	return s
}

// Flag returns the current state of flag id, if the tracker reported it.
func (s Snapshot) Flag(id uint16) (flags.SensorFlag, bool) {
	for _, f := range s.Flags {
		if f.ID() == id {
			return f, true
		}
	}
	return flags.Unknown, false
}

// Outbound is a datagram the registry wants sent to a tracker.
type Outbound struct {
	Endpoint netip.AddrPort
	Packet   protocol.Packet
}
