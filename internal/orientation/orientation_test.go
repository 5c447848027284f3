package orientation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tracker_server/internal/timeutil"
)

func TestQuaternionRoundTrip(t *testing.T) {
	poses := []Pose{
		{},
		{Roll: 30},
		{Pitch: -45},
		{Yaw: 90},
		{Roll: 10, Pitch: 20, Yaw: -170},
	}
	for _, p := range poses {
		got := p.ToQuaternion().Pose()
		assert.InDelta(t, p.Roll, got.Roll, 1e-9)
		assert.InDelta(t, p.Pitch, got.Pitch, 1e-9)
		assert.InDelta(t, p.Yaw, got.Yaw, 1e-9)
	}
}

func TestIdentityAndNormalize(t *testing.T) {
	assert.Equal(t, Quaternion{W: 1}, Pose{}.ToQuaternion())
	assert.Equal(t, Quaternion{W: 1}, Quaternion{}.Normalize())

	q := Quaternion{W: 2}.Normalize()
	assert.InDelta(t, 1.0, q.W, 1e-12)

	r := Pose{Roll: 5, Yaw: 40}.ToQuaternion().XYZW()
	back := FromXYZW(r).Pose()
	assert.InDelta(t, 40.0, back.Yaw, 1e-3)
}

func TestGravityMatchesAccelPose(t *testing.T) {
	p := Pose{Roll: 12, Pitch: -25}
	g := GravityFromPose(p)
	got := ComputePoseFromAccel(g[0], g[1], g[2])
	assert.InDelta(t, p.Roll, got.Roll, 1e-9)
	assert.InDelta(t, p.Pitch, got.Pitch, 1e-9)
}

func TestMockSourceFollowsClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	src := NewMockSource(clock, 0)

	first, err := src.Next()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, first.Roll, 1e-9)
	assert.InDelta(t, 15.0, first.Pitch, 1e-9)

	clock.Advance(time.Second)
	next, err := src.Next()
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}
