// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package protocol implements the tracker datagram format.
//
// Every datagram is laid out big-endian as
//
//	type     uint32
//	sequence uint64   sender scoped, restarts on tracker boot
//	mac      [6]byte
//	sensor   uint8
//	body     ...      depends on type
//	crc32    uint32   IEEE, over everything before it
package protocol

import (
	"fmt"
	"net"
)

const (
	// MaxDatagramSize bounds every datagram the server accepts or emits.
	MaxDatagramSize = 512
	HeaderSize      = 4 + 8 + 6 + 1
	TrailerSize     = 4

	// MaxFirmwareLen bounds the firmware string in a handshake.
	MaxFirmwareLen = 64
	// MaxFlags bounds the number of flags in one sensor-info report.
	MaxFlags = 64
)

// MessageType is the wire discriminant of a datagram.
type MessageType uint32

const (
	TypeHeartbeat        MessageType = 0
	TypeTelemetry        MessageType = 1
	TypeHandshake        MessageType = 3
	TypeHandshakeAck     MessageType = 4
	TypeHandshakeRequest MessageType = 5
	TypeSensorInfo       MessageType = 15
	TypeSensorInfoAck    MessageType = 16
	TypeSetFlag          MessageType = 25
)

var typeNames = map[MessageType]string{
	TypeHeartbeat:        "heartbeat",
	TypeTelemetry:        "telemetry",
	TypeHandshake:        "handshake",
	TypeHandshakeAck:     "handshake_ack",
	TypeHandshakeRequest: "handshake_request",
	TypeSensorInfo:       "sensor_info",
	TypeSensorInfoAck:    "sensor_info_ack",
	TypeSetFlag:          "set_flag",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// HardwareID is the identity a tracker reports in every datagram: the
// device MAC plus the index of the sensor on that device.
type HardwareID struct {
	MAC    [6]byte
	Sensor uint8
}

func (h HardwareID) String() string {
	return fmt.Sprintf("%s/%d", net.HardwareAddr(h.MAC[:]).String(), h.Sensor)
}

func (h HardwareID) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HardwareID) UnmarshalText(text []byte) error {
	parsed, err := ParseHardwareID(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHardwareID parses the "aa:bb:cc:dd:ee:ff/N" form produced by String.
func ParseHardwareID(s string) (HardwareID, error) {
	var h HardwareID
	var macPart string
	var sensor int
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			macPart = s[:i]
			if _, err := fmt.Sscanf(s[i+1:], "%d", &sensor); err != nil {
				return h, fmt.Errorf("invalid sensor index in %q: %w", s, err)
			}
			break
		}
	}
	if macPart == "" {
		return h, fmt.Errorf("invalid hardware id %q: missing sensor index", s)
	}
	if sensor < 0 || sensor > 255 {
		return h, fmt.Errorf("invalid hardware id %q: sensor index out of range", s)
	}
	mac, err := net.ParseMAC(macPart)
	if err != nil {
		return h, fmt.Errorf("invalid hardware id %q: %w", s, err)
	}
	if len(mac) != 6 {
		return h, fmt.Errorf("invalid hardware id %q: want 6-byte MAC", s)
	}
	copy(h.MAC[:], mac)
	h.Sensor = uint8(sensor)
	return h, nil
}

// Header carries the fields common to every datagram. Type is derived from
// the body on encode and filled in on decode.
type Header struct {
	Type     MessageType
	Sequence uint64
	Hardware HardwareID
}

// Packet is one decoded datagram.
type Packet struct {
	Header
	Body Body
}

// NewPacket builds a packet whose header type matches body.
func NewPacket(hw HardwareID, seq uint64, body Body) Packet {
	if m, ok := body.(SensorInfo); ok && len(m.Flags) == 0 {
		m.Flags = nil
		body = m
	}
	return Packet{
		Header: Header{Type: body.MessageType(), Sequence: seq, Hardware: hw},
		Body:   body,
	}
}
