// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package flags defines the sensor capability/status flags reported by
// trackers and the registry that maps wire ids to chip-family flag kinds.
package flags

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Family identifies the sensor chip family a flag belongs to.
type Family uint8

const (
	FamilyUnknown Family = 0
	FamilyBno0XX  Family = 1
	FamilyBmi160  Family = 2
)

func (f Family) String() string {
	if info, ok := families[f]; ok {
		return info.name
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// Known reports whether the family has a table entry.
func (f Family) Known() bool {
	_, ok := families[f]
	return ok && f != FamilyUnknown
}

// Bno0XXFlag enumerates flags of the BNO0xx family. The value is the wire id.
type Bno0XXFlag uint16

const (
	Bno0XXMagEnabled Bno0XXFlag = 1
)

// ID returns the wire id of the flag.
func (f Bno0XXFlag) ID() uint16 { return uint16(f) }

// Bmi160Flag enumerates flags of the BMI160 family. The value is the wire id.
type Bmi160Flag uint16

const (
	Bmi160MagEnabled       Bmi160Flag = 2
	Bmi160TempCompensation Bmi160Flag = 3
)

// ID returns the wire id of the flag.
func (f Bmi160Flag) ID() uint16 { return uint16(f) }

// SensorFlag is one capability/status bit reported by a tracker.
// The zero value is Unknown.
type SensorFlag struct {
	family Family
	id     uint16
	state  bool
}

// Unknown stands in for any flag id the registry does not recognise.
var Unknown = SensorFlag{}

// NewBno0XX builds a BNO0xx family flag.
func NewBno0XX(flag Bno0XXFlag, state bool) SensorFlag {
	return SensorFlag{family: FamilyBno0XX, id: flag.ID(), state: state}
}

// NewBmi160 builds a BMI160 family flag.
func NewBmi160(flag Bmi160Flag, state bool) SensorFlag {
	return SensorFlag{family: FamilyBmi160, id: flag.ID(), state: state}
}

func (f SensorFlag) ID() uint16     { return f.id }
func (f SensorFlag) State() bool    { return f.state }
func (f SensorFlag) Family() Family { return f.family }

// IsUnknown reports whether f is the Unknown sentinel.
func (f SensorFlag) IsUnknown() bool { return f.family == FamilyUnknown }

// WithState returns a copy of f carrying state. Unknown stays Unknown.
func (f SensorFlag) WithState(state bool) SensorFlag {
	if f.IsUnknown() {
		return Unknown
	}
	f.state = state
	return f
}

// Bno0XX returns the BNO0xx flag kind when f belongs to that family.
func (f SensorFlag) Bno0XX() (Bno0XXFlag, bool) {
	if f.family != FamilyBno0XX {
		return 0, false
	}
	return Bno0XXFlag(f.id), true
}

// Bmi160 returns the BMI160 flag kind when f belongs to that family.
func (f SensorFlag) Bmi160() (Bmi160Flag, bool) {
	if f.family != FamilyBmi160 {
		return 0, false
	}
	return Bmi160Flag(f.id), true
}

// Name returns the registered name of the flag kind.
func (f SensorFlag) Name() string {
	switch f.family {
	case FamilyUnknown:
		return "Unknown"
	case FamilyBno0XX, FamilyBmi160:
		if k, ok := Lookup(f.family, f.id); ok {
			return k.Name
		}
	}
	return fmt.Sprintf("flag(%d)", f.id)
}

func (f SensorFlag) String() string {
	return fmt.Sprintf("%s/%s=%t", f.family, f.Name(), f.state)
}

type sensorFlagJSON struct {
	Family string `json:"family"`
	Name   string `json:"name"`
	ID     uint16 `json:"id"`
	State  bool   `json:"state"`
}

func (f SensorFlag) wire() sensorFlagJSON {
	return sensorFlagJSON{
		Family: f.family.String(),
		Name:   f.Name(),
		ID:     f.id,
		State:  f.state,
	}
}

func (f SensorFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.wire())
}

// UnmarshalJSON resolves the id through the registry; unrecognised ids
// become Unknown.
func (f *SensorFlag) UnmarshalJSON(data []byte) error {
	var raw sensorFlagJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = ResolveID(raw.ID, raw.State)
	return nil
}

// MarshalCBOR encodes the same map as MarshalJSON.
func (f SensorFlag) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(f.wire())
}

func (f *SensorFlag) UnmarshalCBOR(data []byte) error {
	var raw sensorFlagJSON
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = ResolveID(raw.ID, raw.State)
	return nil
}
