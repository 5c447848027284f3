// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
)

// Pose is an orientation as Tait-Bryan angles in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Source is anything that can provide poses over time.
type Source interface {
	Next() (Pose, error)
}

// Quaternion is a unit rotation quaternion, scalar part W.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

const degToRad = math.Pi / 180.0

// ToQuaternion converts the pose using the Z-Y-X (yaw, pitch, roll) order.
func (p Pose) ToQuaternion() Quaternion {
	cr, sr := math.Cos(p.Roll*degToRad/2), math.Sin(p.Roll*degToRad/2)
	cp, sp := math.Cos(p.Pitch*degToRad/2), math.Sin(p.Pitch*degToRad/2)
	cy, sy := math.Cos(p.Yaw*degToRad/2), math.Sin(p.Yaw*degToRad/2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// Pose converts back to Tait-Bryan angles. Yaw is in (-180, 180].
func (q Quaternion) Pose() Pose {
	q = q.Normalize()
	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	var pitch float64
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}
	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return Pose{Roll: roll / degToRad, Pitch: pitch / degToRad, Yaw: yaw / degToRad}
}

// Normalize scales q to unit length. The zero quaternion becomes identity.
func (q Quaternion) Normalize() Quaternion {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return Quaternion{W: 1}
	}
	return Quaternion{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
}

// FromXYZW builds a quaternion from the telemetry rotation layout.
func FromXYZW(r [4]float32) Quaternion {
	return Quaternion{X: float64(r[0]), Y: float64(r[1]), Z: float64(r[2]), W: float64(r[3])}
}

// XYZW returns q in the telemetry rotation layout.
func (q Quaternion) XYZW() [4]float32 {
	return [4]float32{float32(q.X), float32(q.Y), float32(q.Z), float32(q.W)}
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is 0.
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	return Pose{
		Roll:  math.Atan2(ay, az) / degToRad,
		Pitch: math.Atan2(-ax, math.Sqrt(ay*ay+az*az)) / degToRad,
	}
}

// GravityFromPose is the inverse of ComputePoseFromAccel for a sensor at
// rest: the acceleration in m/s² it would report in the given pose.
func GravityFromPose(p Pose) [3]float64 {
	const g = 9.80665
	r, pi := p.Roll*degToRad, p.Pitch*degToRad
	return [3]float64{
		-g * math.Sin(pi),
		g * math.Cos(pi) * math.Sin(r),
		g * math.Cos(pi) * math.Cos(r),
	}
}
