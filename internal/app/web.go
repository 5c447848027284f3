// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tracker_server/internal/network"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tooling UI
	},
}

// TrackerView is the read side of the registry.
type TrackerView interface {
	Snapshot() []tracker.Snapshot
	Get(id uint32) (tracker.Snapshot, bool)
}

// WebServer serves the tracker REST API, the live websocket stream and the
// static UI.
type WebServer struct {
	Trackers  TrackerView
	Stats     func() network.StatsSnapshot
	Commands  FlagCommander
	Hub       *Hub
	StaticDir string
	Logger    *slog.Logger
}

// Handler returns the routes:
//
//	GET  /api/trackers
//	GET  /api/trackers/{id}
//	POST /api/trackers/{id}/flags
//	GET  /api/stats
//	GET  /ws/trackers
func (s *WebServer) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/trackers", s.handleTrackers)
	mux.HandleFunc("GET /api/trackers/{id}", s.handleTracker)
	mux.HandleFunc("POST /api/trackers/{id}/flags", s.handleSetFlag)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws/trackers", s.handleWS)

	if s.StaticDir != "" {
		if _, err := os.Stat(s.StaticDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(s.StaticDir)))
		}
	}
	return mux
}

func (s *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("web: json encode error", "err", err)
	}
}

func (s *WebServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func parseTrackerID(r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

func (s *WebServer) handleTrackers(w http.ResponseWriter, r *http.Request) {
	trackers := s.Trackers.Snapshot()
	if trackers == nil {
		trackers = []tracker.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, trackers)
}

func (s *WebServer) handleTracker(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTrackerID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid tracker id")
		return
	}
	snap, ok := s.Trackers.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown tracker")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *WebServer) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTrackerID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid tracker id")
		return
	}
	var body struct {
		Flag  uint16 `json:"flag"`
		State bool   `json:"state"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if s.Commands == nil {
		s.writeError(w, http.StatusServiceUnavailable, "flag commands unavailable")
		return
	}
	cmd := FlagCommand{TrackerID: id, Flag: body.Flag, State: body.State}
	if err := s.Commands.SetFlag(cmd); err != nil {
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, cmd)
}

func (s *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no stats yet")
		return
	}
	s.writeJSON(w, http.StatusOK, s.Stats())
}

// wsRequest is a client action on the websocket.
type wsRequest struct {
	Action    string `json:"action"` // snapshot, set_flag
	TrackerID uint32 `json:"tracker_id"`
	Flag      uint16 `json:"flag"`
	State     bool   `json:"state"`
}

// wsSession serialises writes to one websocket connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(msg WSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *WebServer) snapshotMessage() WSMessage {
	trackers := s.Trackers.Snapshot()
	if trackers == nil {
		trackers = []tracker.Snapshot{}
	}
	return WSMessage{Type: "snapshot", Trackers: trackers}
}

func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("web: websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()
	session := &wsSession{conn: conn}

	var updates chan WSMessage
	if s.Hub != nil {
		ch, ok := s.Hub.Subscribe()
		if !ok {
			return
		}
		updates = ch
		defer s.Hub.Unsubscribe(updates)
	}

	if err := session.send(s.snapshotMessage()); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	requests := make(chan wsRequest)
	readErr := make(chan error, 1)
	go func() {
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				readErr <- err
				return
			}
			select {
			case requests <- req:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if err := session.send(msg); err != nil {
				return
			}
		case req := <-requests:
			if err := session.send(s.handleWSRequest(req)); err != nil {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Logger.Debug("web: websocket read error", "err", err)
			}
			return
		}
	}
}

func (s *WebServer) handleWSRequest(req wsRequest) WSMessage {
	switch req.Action {
	case "snapshot":
		return s.snapshotMessage()
	case "set_flag":
		if s.Commands == nil {
			return WSMessage{Type: "error", Error: "flag commands unavailable"}
		}
		err := s.Commands.SetFlag(FlagCommand{TrackerID: req.TrackerID, Flag: req.Flag, State: req.State})
		if err != nil {
			return WSMessage{Type: "error", Error: err.Error()}
		}
		return WSMessage{Type: "ack"}
	default:
		return WSMessage{Type: "error", Error: "unknown action " + strconv.Quote(req.Action)}
	}
}
