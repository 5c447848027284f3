package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/tracker_server/internal/tracker"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []tracker.Event
}

func (r *recordingHandler) handle(_ context.Context, e tracker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingHandler) ids() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, e := range r.events {
		out = append(out, e.TrackerID)
	}
	return out
}

func TestDispatcherDeliversInOrderAndDrains(t *testing.T) {
	d := newEventDispatcher(8, nil)
	var first, second recordingHandler
	d.Handle(first.handle)
	d.Handle(second.handle)

	for id := uint32(1); id <= 5; id++ {
		d.Sink(tracker.Event{Kind: tracker.EventStateChanged, TrackerID: id})
	}
	go d.Run(context.Background())
	d.Close()

	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, first.ids())
	assert.Equal(t, first.ids(), second.ids())

	// closed dispatchers ignore late events
	d.Sink(tracker.Event{Kind: tracker.EventIdentityAssigned, TrackerID: 9})
	assert.Len(t, first.ids(), 5)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := newEventDispatcher(2, nil)
	var rec recordingHandler
	d.Handle(rec.handle)

	for id := uint32(1); id <= 4; id++ {
		d.Sink(tracker.Event{Kind: tracker.EventStaleDropped, TrackerID: id})
	}
	assert.Equal(t, uint64(2), d.Dropped())

	go d.Run(context.Background())
	// identity events wait for room instead of being dropped
	d.Sink(tracker.Event{Kind: tracker.EventIdentityAssigned, TrackerID: 7})
	d.Close()
	assert.Equal(t, []uint32{1, 2, 7}, rec.ids())
}
