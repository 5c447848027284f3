// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package flags

import "sort"

// Kind describes one registered flag of a chip family.
type Kind struct {
	Family Family `json:"family"`
	ID     uint16 `json:"id"`
	Name   string `json:"name"`
}

type familyInfo struct {
	name  string
	kinds map[uint16]string
}

// families is the lookup table. Wire ids are globally unique across
// families and must never be reassigned once shipped.
var families = map[Family]familyInfo{
	FamilyUnknown: {name: "Unknown"},
	FamilyBno0XX: {
		name: "Bno0XX",
		kinds: map[uint16]string{
			Bno0XXMagEnabled.ID(): "MagnetometerEnabled",
		},
	},
	FamilyBmi160: {
		name: "Bmi160",
		kinds: map[uint16]string{
			Bmi160MagEnabled.ID():       "MagnetometerEnabled",
			Bmi160TempCompensation.ID(): "TemperatureCompensation",
		},
	},
}

// byID indexes every registered id to its family.
var byID = func() map[uint16]Family {
	m := make(map[uint16]Family)
	for fam, info := range families {
		for id := range info.kinds {
			if prev, dup := m[id]; dup {
				panic("flags: wire id registered for both " + prev.String() + " and " + fam.String())
			}
			m[id] = fam
		}
	}
	return m
}()

// Lookup returns the flag kind registered for id within family.
func Lookup(family Family, id uint16) (Kind, bool) {
	info, ok := families[family]
	if !ok {
		return Kind{}, false
	}
	name, ok := info.kinds[id]
	if !ok {
		return Kind{}, false
	}
	return Kind{Family: family, ID: id, Name: name}, true
}

// Resolve builds the SensorFlag for a raw (id, state) pair reported by a
// sensor of the given family. Unrecognised input yields Unknown.
func Resolve(family Family, id uint16, state bool) SensorFlag {
	if _, ok := Lookup(family, id); !ok {
		return Unknown
	}
	return SensorFlag{family: family, id: id, state: state}
}

// ResolveID is Resolve with the family inferred from the id.
func ResolveID(id uint16, state bool) SensorFlag {
	fam, ok := byID[id]
	if !ok {
		return Unknown
	}
	return Resolve(fam, id, state)
}

// Families lists the known chip families, Unknown excluded, ordered by tag.
func Families() []Family {
	out := make([]Family, 0, len(families))
	for f := range families {
		if f != FamilyUnknown {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Kinds lists the flag kinds of a family ordered by id.
func Kinds(family Family) []Kind {
	info, ok := families[family]
	if !ok {
		return nil
	}
	out := make([]Kind, 0, len(info.kinds))
	for id, name := range info.kinds {
		out = append(out, Kind{Family: family, ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
