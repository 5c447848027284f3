// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/timeutil"
)

const (
	DefaultHeartbeatTimeout = 3 * time.Second
	DefaultRemovalGrace     = 30 * time.Second
	DefaultMaxTrackers      = 256
)

var (
	ErrUnknownTracker = errors.New("tracker: unknown tracker")
	ErrUnknownFlag    = errors.New("tracker: flag not known for tracker family")
	ErrNotActive      = errors.New("tracker: tracker not active")
	ErrRegistryFull   = errors.New("tracker: registry full")
)

// Options configures a Registry. Zero values fall back to the defaults.
type Options struct {
	HeartbeatTimeout time.Duration
	RemovalGrace     time.Duration
	MaxTrackers      int

	// ReuseRemovedIDs keeps a removed tracker's hardware identity bound to
	// its id, so the same device gets the same id when it returns. When
	// false the binding is released on removal and a returning device is
	// treated as new.
	ReuseRemovedIDs bool

	// Identities and NextID seed the id allocator, usually from the store.
	Identities map[protocol.HardwareID]uint32
	NextID     uint32

	Clock  timeutil.Clock
	Logger *slog.Logger
	// Sink receives every event, in order, outside the registry lock. It
	// runs on the caller's goroutine, should not block and must not call
	// back into the Registry.
	Sink func(Event)
}

// Registry owns every known tracker. One mutex serialises the receive path,
// the timeout scanner and readers.
type Registry struct {
	heartbeat time.Duration
	grace     time.Duration
	max       int
	reuse     bool
	clock     timeutil.Clock
	logger    *slog.Logger
	sink      func(Event)

	// emitMu is taken before mu is released and held until the batch has
	// reached the sink, so batches arrive in the order they were made.
	emitMu sync.Mutex

	mu         sync.Mutex
	byHW       map[protocol.HardwareID]*Tracker
	byID       map[uint32]*Tracker
	identities map[protocol.HardwareID]uint32
	nextID     uint32
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		heartbeat:  opts.HeartbeatTimeout,
		grace:      opts.RemovalGrace,
		max:        opts.MaxTrackers,
		reuse:      opts.ReuseRemovedIDs,
		clock:      opts.Clock,
		logger:     opts.Logger,
		sink:       opts.Sink,
		byHW:       make(map[protocol.HardwareID]*Tracker),
		byID:       make(map[uint32]*Tracker),
		identities: make(map[protocol.HardwareID]uint32, len(opts.Identities)),
		nextID:     opts.NextID,
	}
	if r.heartbeat <= 0 {
		r.heartbeat = DefaultHeartbeatTimeout
	}
	if r.grace <= 0 {
		r.grace = DefaultRemovalGrace
	}
	if r.max <= 0 {
		r.max = DefaultMaxTrackers
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for hw, id := range opts.Identities {
		r.identities[hw] = id
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	if r.nextID == 0 {
		r.nextID = 1
	}
	return r
}

// HeartbeatTimeout returns the silence after which an active tracker times out.
func (r *Registry) HeartbeatTimeout() time.Duration { return r.heartbeat }

// NextID is the id the next new hardware identity will get.
func (r *Registry) NextID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// Len reports the number of trackers currently held, in any state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHW)
}

// Resolve returns the tracker for hw, creating it in AwaitingHandshake if it
// is new. A known tracker seen from a new endpoint is moved there.
func (r *Registry) Resolve(ep netip.AddrPort, hw protocol.HardwareID) (Snapshot, error) {
	now := r.clock.Now()
	var ev eventBuffer
	r.mu.Lock()
	t, err := r.resolveLocked(ep, hw, now, false, &ev)
	var s Snapshot
	if err == nil {
		s = t.snapshot()
	}
	r.unlockAndEmit(ev)
	return s, err
}

// resolveLocked finds or creates the tracker for hw. When the registry is
// full a handshake may displace the oldest tracker that never completed one.
func (r *Registry) resolveLocked(ep netip.AddrPort, hw protocol.HardwareID, now time.Time, handshake bool, ev *eventBuffer) (*Tracker, error) {
	if t, ok := r.byHW[hw]; ok {
		if t.endpoint != ep {
			r.logger.Debug("tracker endpoint changed",
				"tracker", t.id, "hardware", hw.String(), "from", t.endpoint.String(), "to", ep.String())
			t.endpoint = ep
		}
		return t, nil
	}
	if len(r.byHW) >= r.max && !(handshake && r.evictAwaitingLocked(now, ev)) {
		return nil, ErrRegistryFull
	}
	t := newTracker(hw, ep, now)
	r.byHW[hw] = t
	return t, nil
}

// evictAwaitingLocked removes the AwaitingHandshake entry seen longest ago.
// It reports false when every slot holds a tracker with an id.
func (r *Registry) evictAwaitingLocked(now time.Time, ev *eventBuffer) bool {
	var oldest *Tracker
	for _, t := range r.byHW {
		if t.state != AwaitingHandshake {
			continue
		}
		if oldest == nil || t.lastSeen.Before(oldest.lastSeen) {
			oldest = t
		}
	}
	if oldest == nil {
		return false
	}
	delete(r.byHW, oldest.hardware)
	oldest.state = Removed
	ev.add(stateEvent(oldest, AwaitingHandshake, Removed, now))
	r.logger.Debug("evicted tracker awaiting handshake", "hardware", oldest.hardware.String())
	return true
}

// assignIDLocked gives t its stable id the first time it completes a
// handshake. Ids come from a monotonic counter and are never handed to a
// second hardware identity.
func (r *Registry) assignIDLocked(t *Tracker, now time.Time, ev *eventBuffer) {
	if t.id != 0 {
		return
	}
	id, known := r.identities[t.hardware]
	if !known {
		id = r.nextID
		r.nextID++
		r.identities[t.hardware] = id
	}
	t.id = id
	r.byID[id] = t
	if !known {
		ev.add(Event{
			Kind:      EventIdentityAssigned,
			Time:      now,
			TrackerID: id,
			Hardware:  t.hardware,
			Endpoint:  t.endpoint,
		})
	}
}

// Dispatch applies one decoded datagram received from ep and returns the
// replies that should be sent.
func (r *Registry) Dispatch(ep netip.AddrPort, p protocol.Packet) []Outbound {
	now := r.clock.Now()
	var ev eventBuffer
	r.mu.Lock()
	out := r.dispatchLocked(ep, p, now, &ev)
	r.unlockAndEmit(ev)
	return out
}

func (r *Registry) dispatchLocked(ep netip.AddrPort, p protocol.Packet, now time.Time, ev *eventBuffer) []Outbound {
	hw := p.Hardware
	switch p.Body.(type) {
	case protocol.Handshake, protocol.Heartbeat, protocol.Telemetry, protocol.SensorInfo:
	default:
		// server to tracker messages
		id := uint32(0)
		if t, ok := r.byHW[hw]; ok {
			id = t.id
		}
		ev.add(violationEvent(hw, ep, id, p, "unexpected message direction", now))
		return nil
	}

	_, isHandshake := p.Body.(protocol.Handshake)
	t, err := r.resolveLocked(ep, hw, now, isHandshake, ev)
	if err != nil {
		ev.add(violationEvent(hw, ep, 0, p, err.Error(), now))
		return nil
	}

	if m, ok := p.Body.(protocol.Handshake); ok {
		from := t.state
		t.handshake(m, now)
		t.lastSeen = now
		r.assignIDLocked(t, now, ev)
		if from != Active {
			ev.add(stateEvent(t, from, Active, now))
		}
		r.logger.Debug("tracker handshake",
			"tracker", t.id, "hardware", hw.String(), "endpoint", ep.String(),
			"firmware", m.Firmware, "family", m.Family.String(), "session", t.session.String())
		return []Outbound{t.outbound(protocol.HandshakeAck{TrackerID: t.id})}
	}

	if t.state == AwaitingHandshake {
		t.lastSeen = now
		ev.add(violationEvent(hw, ep, t.id, p, "message before handshake", now))
		if t.lastHandshakeRequest.IsZero() || now.Sub(t.lastHandshakeRequest) >= r.heartbeat {
			t.lastHandshakeRequest = now
			return []Outbound{t.outbound(protocol.HandshakeRequest{})}
		}
		return nil
	}

	// Stale telemetry is rejected before it can refresh liveness.
	if m, ok := p.Body.(protocol.Telemetry); ok && t.haveSeq && p.Sequence <= t.lastSeq {
		ev.add(Event{
			Kind:      EventStaleDropped,
			Time:      now,
			TrackerID: t.id,
			Hardware:  hw,
			Endpoint:  ep,
			Message:   m.MessageType(),
			Sequence:  p.Sequence,
			Reason:    fmt.Sprintf("last applied %d", t.lastSeq),
		})
		return nil
	}

	t.lastSeen = now
	if t.state == TimedOut {
		t.state = Active
		ev.add(stateEvent(t, TimedOut, Active, now))
	}

	switch m := p.Body.(type) {
	case protocol.Telemetry:
		t.applyTelemetry(p.Sequence, m)
	case protocol.SensorInfo:
		for _, c := range t.applySensorInfo(m) {
			ev.add(Event{
				Kind:      EventFlagChanged,
				Time:      now,
				TrackerID: t.id,
				Hardware:  hw,
				Endpoint:  ep,
				Flag:      c.Current,
				Previous:  c.Previous,
			})
		}
		return []Outbound{t.outbound(protocol.SensorInfoAck{Status: m.Status})}
	}
	return nil
}

// ScanTimeouts applies the heartbeat and removal windows as of now and
// returns the number of transitions it made. It is idempotent: calling it
// twice with the same now changes nothing the second time.
func (r *Registry) ScanTimeouts(now time.Time) int {
	var ev eventBuffer
	r.mu.Lock()
	for hw, t := range r.byHW {
		silence := now.Sub(t.lastSeen)
		if t.state == Active && silence >= r.heartbeat {
			t.state = TimedOut
			ev.add(stateEvent(t, Active, TimedOut, now))
		}
		if silence < r.heartbeat+r.grace {
			continue
		}
		if t.state != TimedOut && t.state != AwaitingHandshake {
			continue
		}
		from := t.state
		t.state = Removed
		ev.add(stateEvent(t, from, Removed, now))
		delete(r.byHW, hw)
		if t.id != 0 {
			delete(r.byID, t.id)
			if !r.reuse {
				delete(r.identities, hw)
				ev.add(Event{
					Kind:      EventIdentityReleased,
					Time:      now,
					TrackerID: t.id,
					Hardware:  hw,
					Endpoint:  t.endpoint,
				})
			}
		}
	}
	n := 0
	for _, e := range ev {
		if e.Kind == EventStateChanged {
			n++
		}
	}
	r.unlockAndEmit(ev)
	return n
}

// Snapshot returns copies of every tracker, ordered by id with trackers
// still awaiting a handshake last.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.byHW))
	for _, t := range r.byHW {
		out = append(out, t.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ID == 0) != (b.ID == 0) {
			return b.ID == 0
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Hardware.String() < b.Hardware.String()
	})
	return out
}

// Get returns the tracker with the given stable id.
func (r *Registry) Get(id uint32) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// RequestFlag builds a SetFlag datagram asking tracker id to change flagID.
// The stored flag set only changes once the tracker confirms with a
// sensor-info report.
func (r *Registry) RequestFlag(id uint32, flagID uint16, state bool) (Outbound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Outbound{}, fmt.Errorf("%w: %d", ErrUnknownTracker, id)
	}
	if t.state != Active {
		return Outbound{}, fmt.Errorf("%w: %d is %s", ErrNotActive, id, t.state)
	}
	f := flags.Resolve(t.device.Family, flagID, state)
	if f.IsUnknown() {
		return Outbound{}, fmt.Errorf("%w: id %d family %s", ErrUnknownFlag, flagID, t.device.Family)
	}
	return t.outbound(protocol.SetFlag{Flag: f}), nil
}

// HeartbeatTargets returns one heartbeat datagram per tracker that has
// completed a handshake and is not removed.
func (r *Registry) HeartbeatTargets() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, t := range r.byHW {
		if t.state == Active || t.state == TimedOut {
			out = append(out, t.outbound(protocol.Heartbeat{}))
		}
	}
	return out
}

// unlockAndEmit releases mu and hands ev to the sink.
func (r *Registry) unlockAndEmit(ev eventBuffer) {
	if len(ev) == 0 {
		r.mu.Unlock()
		return
	}
	r.emitMu.Lock()
	r.mu.Unlock()
	r.emit(ev)
	r.emitMu.Unlock()
}

func (r *Registry) emit(ev eventBuffer) {
	for _, e := range ev {
		switch e.Kind {
		case EventStateChanged:
			r.logger.Info("tracker state changed", "event", e)
		case EventProtocolViolation:
			r.logger.Warn("protocol violation", "event", e)
		case EventStaleDropped:
			r.logger.Debug("stale telemetry dropped", "event", e)
		case EventFlagChanged:
			r.logger.Info("tracker flag changed", "event", e)
		}
		if r.sink != nil {
			r.sink(e)
		}
	}
}
