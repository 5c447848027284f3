// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// EventHandler consumes one registry event.
type EventHandler func(ctx context.Context, e tracker.Event)

// eventDispatcher moves registry events off the receive path. The registry
// sink only enqueues; handlers run on the dispatcher goroutine in order.
type eventDispatcher struct {
	ch       chan tracker.Event
	handlers []EventHandler
	logger   *slog.Logger
	dropped  atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newEventDispatcher(size int, logger *slog.Logger) *eventDispatcher {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &eventDispatcher{
		ch:     make(chan tracker.Event, size),
		logger: logger,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Handle adds a handler. Call before Run.
func (d *eventDispatcher) Handle(h EventHandler) {
	d.handlers = append(d.handlers, h)
}

// Sink is installed as the registry event sink. Identity events wait for
// room in the queue so they always reach the store; everything else is
// dropped when the queue is full.
func (d *eventDispatcher) Sink(e tracker.Event) {
	select {
	case <-d.closed:
		return
	default:
	}
	if e.Kind == tracker.EventIdentityAssigned || e.Kind == tracker.EventIdentityReleased {
		select {
		case d.ch <- e:
		case <-d.closed:
		}
		return
	}
	select {
	case d.ch <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			d.logger.Warn("event queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (d *eventDispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers events until Close is called, then drains what is left.
func (d *eventDispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case e := <-d.ch:
			d.deliver(ctx, e)
		case <-d.closed:
			for {
				select {
				case e := <-d.ch:
					d.deliver(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (d *eventDispatcher) deliver(ctx context.Context, e tracker.Event) {
	for _, h := range d.handlers {
		h(ctx, e)
	}
}

// Close stops accepting events and waits for Run to drain the queue.
func (d *eventDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	<-d.done
}
