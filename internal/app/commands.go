// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// FlagCommand asks a tracker to switch one sensor flag. It arrives from
// MQTT, the REST API or a websocket client.
type FlagCommand struct {
	TrackerID uint32 `json:"tracker_id"`
	Flag      uint16 `json:"flag"`
	State     bool   `json:"state"`
}

// FlagCommander delivers flag commands to trackers.
type FlagCommander interface {
	SetFlag(cmd FlagCommand) error
}

// flagRequester is the registry side of a flag command.
type flagRequester interface {
	RequestFlag(id uint32, flagID uint16, state bool) (tracker.Outbound, error)
}

type commander struct {
	registry flagRequester
	send     func(tracker.Outbound) error
}

func (c *commander) SetFlag(cmd FlagCommand) error {
	out, err := c.registry.RequestFlag(cmd.TrackerID, cmd.Flag, cmd.State)
	if err != nil {
		return err
	}
	if err := c.send(out); err != nil {
		return fmt.Errorf("send set_flag to tracker %d: %w", cmd.TrackerID, err)
	}
	return nil
}

// commandStatus maps a command error to an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrUnknownTracker):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrUnknownFlag):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotActive):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
