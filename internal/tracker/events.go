// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/protocol"
)

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	EventStateChanged EventKind = iota + 1
	EventFlagChanged
	EventProtocolViolation
	EventIdentityAssigned
	EventIdentityReleased
	EventStaleDropped
)

var eventNames = map[EventKind]string{
	EventStateChanged:      "state_changed",
	EventFlagChanged:       "flag_changed",
	EventProtocolViolation: "protocol_violation",
	EventIdentityAssigned:  "identity_assigned",
	EventIdentityReleased:  "identity_released",
	EventStaleDropped:      "stale_dropped",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	for kind, name := range eventNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("invalid event kind %q", text)
}

// Event is a notification the registry hands to its sink after releasing its
// lock. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind           `json:"kind"`
	Time      time.Time           `json:"time"`
	TrackerID uint32              `json:"tracker_id"`
	Hardware  protocol.HardwareID `json:"hardware"`
	Endpoint  netip.AddrPort      `json:"endpoint"`

	From State `json:"from"`
	To   State `json:"to"`

	Flag     flags.SensorFlag `json:"flag"`
	Previous flags.SensorFlag `json:"previous"`

	Message  protocol.MessageType `json:"message"`
	Sequence uint64               `json:"sequence"`
	Reason   string               `json:"reason,omitempty"`
}

// LogValue groups the fields that matter for each kind so log lines stay
// short.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", e.Kind.String()),
		slog.Uint64("tracker", uint64(e.TrackerID)),
		slog.String("hardware", e.Hardware.String()),
	}
	switch e.Kind {
	case EventStateChanged:
		attrs = append(attrs, slog.String("from", e.From.String()), slog.String("to", e.To.String()))
	case EventFlagChanged:
		attrs = append(attrs, slog.String("flag", e.Flag.String()), slog.String("previous", e.Previous.String()))
	case EventProtocolViolation, EventStaleDropped:
		attrs = append(attrs,
			slog.String("endpoint", e.Endpoint.String()),
			slog.String("message", e.Message.String()),
			slog.Uint64("seq", e.Sequence),
			slog.String("reason", e.Reason))
	}
	return slog.GroupValue(attrs...)
}

// eventBuffer collects events inside the registry critical section.
type eventBuffer []Event

func (b *eventBuffer) add(e Event) { *b = append(*b, e) }

func stateEvent(t *Tracker, from, to State, now time.Time) Event {
	return Event{
		Kind:      EventStateChanged,
		Time:      now,
		TrackerID: t.id,
		Hardware:  t.hardware,
		Endpoint:  t.endpoint,
		From:      from,
		To:        to,
	}
}

func violationEvent(hw protocol.HardwareID, ep netip.AddrPort, id uint32, p protocol.Packet, reason string, now time.Time) Event {
	return Event{
		Kind:      EventProtocolViolation,
		Time:      now,
		TrackerID: id,
		Hardware:  hw,
		Endpoint:  ep,
		Message:   p.Type,
		Sequence:  p.Sequence,
		Reason:    reason,
	}
}
