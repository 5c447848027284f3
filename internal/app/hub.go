// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"

	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// WSMessage is one frame sent to websocket clients.
type WSMessage struct {
	Type     string             `json:"type"` // event, snapshot, ack, error
	Event    *tracker.Event     `json:"event,omitempty"`
	Trackers []tracker.Snapshot `json:"trackers,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Hub fans messages out to subscribed clients. A slow client misses
// messages instead of stalling the others.
type Hub struct {
	broadcast  chan WSMessage
	register   chan chan WSMessage
	unregister chan chan WSMessage
	clients    map[chan WSMessage]struct{}
	clientBuf  int
	done       chan struct{}
}

func NewHub(broadcastBuf, clientBuf int) *Hub {
	if broadcastBuf <= 0 {
		broadcastBuf = 256
	}
	if clientBuf <= 0 {
		clientBuf = 64
	}
	return &Hub{
		broadcast:  make(chan WSMessage, broadcastBuf),
		register:   make(chan chan WSMessage),
		unregister: make(chan chan WSMessage),
		clients:    make(map[chan WSMessage]struct{}),
		clientBuf:  clientBuf,
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client
// channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case msg := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
}

// Subscribe registers a new client. It returns false once the hub stopped.
func (h *Hub) Subscribe() (chan WSMessage, bool) {
	ch := make(chan WSMessage, h.clientBuf)
	select {
	case h.register <- ch:
		return ch, true
	case <-h.done:
		return nil, false
	}
}

func (h *Hub) Unsubscribe(ch chan WSMessage) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues msg without blocking. It reports whether msg was queued.
func (h *Hub) Publish(msg WSMessage) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- msg:
		return true
	default:
		return false
	}
}
