package flags

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownIsZeroValue(t *testing.T) {
	var f SensorFlag
	assert.True(t, f.IsUnknown())
	assert.Equal(t, Unknown, f)
	assert.Equal(t, uint16(0), Unknown.ID())
	assert.False(t, Unknown.State())
	assert.Equal(t, "Unknown", Unknown.Name())
}

func TestBno0XXMagEnabledWireID(t *testing.T) {
	f := NewBno0XX(Bno0XXMagEnabled, true)
	assert.Equal(t, uint16(1), f.ID())
	assert.True(t, f.State())
	assert.Equal(t, FamilyBno0XX, f.Family())

	kind, ok := f.Bno0XX()
	require.True(t, ok)
	assert.Equal(t, Bno0XXMagEnabled, kind)

	_, ok = f.Bmi160()
	assert.False(t, ok)
	assert.Equal(t, "MagnetometerEnabled", f.Name())
}

func TestResolveKnown(t *testing.T) {
	got := Resolve(FamilyBmi160, 3, true)
	assert.Equal(t, NewBmi160(Bmi160TempCompensation, true), got)
}

func TestResolveUnrecognisedYieldsUnknown(t *testing.T) {
	cases := []struct {
		name   string
		family Family
		id     uint16
		state  bool
	}{
		{"unregistered id", FamilyBno0XX, 999, true},
		{"id of another family", FamilyBno0XX, Bmi160TempCompensation.ID(), true},
		{"unknown family", Family(200), 1, true},
		{"zero id", FamilyBmi160, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.family, tc.id, tc.state)
			assert.True(t, got.IsUnknown())
			assert.False(t, got.State())
		})
	}
}

func TestResolveIDEveryUnregisteredID(t *testing.T) {
	for id := 0; id <= 0xFFFF; id++ {
		if _, known := byID[uint16(id)]; known {
			continue
		}
		f := ResolveID(uint16(id), true)
		if f != Unknown {
			t.Fatalf("id %d: got %v, want Unknown", id, f)
		}
	}
}

func TestWireIDsAreGloballyUnique(t *testing.T) {
	seen := map[uint16]Family{}
	for _, fam := range Families() {
		for _, k := range Kinds(fam) {
			prev, dup := seen[k.ID]
			require.False(t, dup, "id %d used by %s and %s", k.ID, prev, fam)
			seen[k.ID] = fam
		}
	}
}

func TestWithStateKeepsIdentity(t *testing.T) {
	on := NewBno0XX(Bno0XXMagEnabled, true)
	off := on.WithState(false)
	assert.Equal(t, on.ID(), off.ID())
	assert.False(t, off.State())
	assert.Equal(t, Unknown, Unknown.WithState(true))
}

func TestSensorFlagJSON(t *testing.T) {
	in := NewBmi160(Bmi160MagEnabled, true)
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"family":"Bmi160","name":"MagnetometerEnabled","id":2,"state":true}`, string(data))

	var out SensorFlag
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	require.NoError(t, json.Unmarshal([]byte(`{"id":4242,"state":true}`), &out))
	assert.Equal(t, Unknown, out)
}

func TestSensorFlagCBOR(t *testing.T) {
	in := []SensorFlag{NewBno0XX(Bno0XXMagEnabled, false), NewBmi160(Bmi160TempCompensation, true)}
	data, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out []SensorFlag
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestFamilies(t *testing.T) {
	assert.Equal(t, []Family{FamilyBno0XX, FamilyBmi160}, Families())
	assert.True(t, FamilyBno0XX.Known())
	assert.False(t, FamilyUnknown.Known())
	assert.False(t, Family(9).Known())
	assert.Equal(t, "family(9)", Family(9).String())
}
