// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"time"

	"github.com/relabs-tech/tracker_server/internal/timeutil"
)

type mockSource struct {
	clock timeutil.Clock
	start time.Time
	phase float64
}

// NewMockSource creates a mock orientation source that generates smoothly
// changing values. phase offsets the motion so several simulated sensors do
// not move in lockstep.
func NewMockSource(clock timeutil.Clock, phase float64) Source {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &mockSource{clock: clock, start: clock.Now(), phase: phase}
}

func (m *mockSource) Next() (Pose, error) {
	elapsed := m.clock.Now().Sub(m.start).Seconds() + m.phase

	return Pose{
		Roll:  20 * math.Sin(elapsed),
		Pitch: 15 * math.Cos(elapsed*0.7),
		Yaw:   math.Mod(elapsed*30, 360) - 180,
	}, nil
}
