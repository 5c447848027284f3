// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"fmt"

	"github.com/relabs-tech/tracker_server/internal/flags"
)

// Body is the type-specific part of a datagram. The set of implementations
// is closed: only this package defines them.
type Body interface {
	MessageType() MessageType
	encode(w *writer) error
}

// decodable is implemented by pointers to the body types.
type decodable interface {
	Body
	decode(r *reader)
}

// Heartbeat keeps a connection alive. Sent in both directions.
type Heartbeat struct{}

// Telemetry is the rotation/acceleration payload of a tracker. The server
// does not interpret it.
type Telemetry struct {
	Rotation     [4]float32 `json:"rotation"` // quaternion x, y, z, w
	Acceleration [3]float32 `json:"acceleration"`
}

// Handshake announces a tracker and its hardware.
type Handshake struct {
	Board           uint8
	MCU             uint8
	Family          flags.Family
	ProtocolVersion uint16
	Firmware        string
}

// HandshakeAck answers a handshake with the assigned stable tracker id.
type HandshakeAck struct {
	TrackerID uint32
}

// HandshakeRequest asks a tracker the server does not know to announce
// itself again.
type HandshakeRequest struct{}

// SensorStatus is the sensor health reported in sensor-info.
type SensorStatus uint8

const (
	SensorOffline SensorStatus = 0
	SensorOK      SensorStatus = 1
	SensorError   SensorStatus = 2
)

func (s SensorStatus) String() string {
	switch s {
	case SensorOffline:
		return "offline"
	case SensorOK:
		return "ok"
	case SensorError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// SensorInfo reports sensor status and its capability flags.
type SensorInfo struct {
	Family flags.Family
	Status SensorStatus
	// Flags is nil when the report carries none. NewPacket and Decode both
	// use nil for an empty list.
	Flags []flags.SensorFlag
}

// SensorInfoAck acknowledges a sensor-info report.
type SensorInfoAck struct {
	Status SensorStatus
}

// SetFlag asks a tracker to change one of its flags.
type SetFlag struct {
	Flag flags.SensorFlag
}

func (Heartbeat) MessageType() MessageType        { return TypeHeartbeat }
func (Telemetry) MessageType() MessageType        { return TypeTelemetry }
func (Handshake) MessageType() MessageType        { return TypeHandshake }
func (HandshakeAck) MessageType() MessageType     { return TypeHandshakeAck }
func (HandshakeRequest) MessageType() MessageType { return TypeHandshakeRequest }
func (SensorInfo) MessageType() MessageType       { return TypeSensorInfo }
func (SensorInfoAck) MessageType() MessageType    { return TypeSensorInfoAck }
func (SetFlag) MessageType() MessageType          { return TypeSetFlag }

// newBody returns an empty body for a wire type.
func newBody(t MessageType) (decodable, bool) {
	switch t {
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeTelemetry:
		return &Telemetry{}, true
	case TypeHandshake:
		return &Handshake{}, true
	case TypeHandshakeAck:
		return &HandshakeAck{}, true
	case TypeHandshakeRequest:
		return &HandshakeRequest{}, true
	case TypeSensorInfo:
		return &SensorInfo{}, true
	case TypeSensorInfoAck:
		return &SensorInfoAck{}, true
	case TypeSetFlag:
		return &SetFlag{}, true
	}
	return nil, false
}

// deref turns the pointer used while decoding back into the value form
// callers construct.
func deref(b Body) Body {
	switch v := b.(type) {
	case *Heartbeat:
		return *v
	case *Telemetry:
		return *v
	case *Handshake:
		return *v
	case *HandshakeAck:
		return *v
	case *HandshakeRequest:
		return *v
	case *SensorInfo:
		return *v
	case *SensorInfoAck:
		return *v
	case *SetFlag:
		return *v
	}
	return b
}

func (Heartbeat) encode(*writer) error { return nil }
func (*Heartbeat) decode(*reader)      {}

func (HandshakeRequest) encode(*writer) error { return nil }
func (*HandshakeRequest) decode(*reader)      {}

func (m Telemetry) encode(w *writer) error {
	for i, v := range m.Rotation {
		if err := w.float32(v, fmt.Sprintf("rotation[%d]", i)); err != nil {
			return err
		}
	}
	for i, v := range m.Acceleration {
		if err := w.float32(v, fmt.Sprintf("acceleration[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Telemetry) decode(r *reader) {
	for i := range m.Rotation {
		m.Rotation[i] = r.float32("rotation")
	}
	for i := range m.Acceleration {
		m.Acceleration[i] = r.float32("acceleration")
	}
}

func (m Handshake) encode(w *writer) error {
	w.uint8(m.Board)
	w.uint8(m.MCU)
	w.uint8(uint8(m.Family))
	w.uint16(m.ProtocolVersion)
	return w.shortString(m.Firmware, MaxFirmwareLen, "firmware")
}

func (m *Handshake) decode(r *reader) {
	m.Board = r.uint8("board")
	m.MCU = r.uint8("mcu")
	m.Family = flags.Family(r.uint8("family"))
	m.ProtocolVersion = r.uint16("protocol_version")
	m.Firmware = r.shortString(MaxFirmwareLen, "firmware")
}

func (m HandshakeAck) encode(w *writer) error {
	w.uint32(m.TrackerID)
	return nil
}

func (m *HandshakeAck) decode(r *reader) {
	m.TrackerID = r.uint32("tracker_id")
}

func (m SensorInfo) encode(w *writer) error {
	if len(m.Flags) > MaxFlags {
		return fmt.Errorf("sensor info carries %d flags, limit is %d", len(m.Flags), MaxFlags)
	}
	w.uint8(uint8(m.Family))
	w.uint8(uint8(m.Status))
	w.uint8(uint8(len(m.Flags)))
	for _, f := range m.Flags {
		if !f.IsUnknown() && f.Family() != m.Family {
			return fmt.Errorf("flag %s does not belong to family %s", f, m.Family)
		}
		w.uint16(f.ID())
		w.bool(f.State())
	}
	return nil
}

func (m *SensorInfo) decode(r *reader) {
	m.Family = flags.Family(r.uint8("family"))
	m.Status = SensorStatus(r.uint8("status"))
	n := int(r.uint8("flag_count"))
	if n > MaxFlags {
		r.malformed("flag_count", fmt.Sprintf("%d exceeds limit %d", n, MaxFlags))
		return
	}
	if n == 0 || r.err != nil {
		return
	}
	m.Flags = make([]flags.SensorFlag, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		id := r.uint16("flag_id")
		state := r.bool("flag_state")
		if r.err != nil {
			return
		}
		m.Flags = append(m.Flags, flags.Resolve(m.Family, id, state))
	}
}

func (m SensorInfoAck) encode(w *writer) error {
	w.uint8(uint8(m.Status))
	return nil
}

func (m *SensorInfoAck) decode(r *reader) {
	m.Status = SensorStatus(r.uint8("status"))
}

func (m SetFlag) encode(w *writer) error {
	w.uint8(uint8(m.Flag.Family()))
	w.uint16(m.Flag.ID())
	w.bool(m.Flag.State())
	return nil
}

func (m *SetFlag) decode(r *reader) {
	family := flags.Family(r.uint8("family"))
	id := r.uint16("flag_id")
	state := r.bool("flag_state")
	if r.err != nil {
		return
	}
	m.Flag = flags.Resolve(family, id, state)
}
