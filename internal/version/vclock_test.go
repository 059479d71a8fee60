package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	testCases := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{"both empty", Vector{}, Vector{}, Equal},
		{"nil equals empty", nil, Vector{}, Equal},
		{"empty before anything", Vector{}, Vector{"a": 1}, Before},
		{"anything after empty", Vector{"a": 1}, Vector{}, After},
		{"identical", Vector{"a": 2, "b": 1}, Vector{"a": 2, "b": 1}, Equal},
		{"strictly dominated", Vector{"a": 1}, Vector{"a": 2, "b": 1}, Before},
		{"strictly dominates", Vector{"a": 3, "b": 1}, Vector{"a": 2, "b": 1}, After},
		{"concurrent", Vector{"a": 2, "b": 1}, Vector{"a": 1, "b": 2}, Concurrent},
		{"concurrent disjoint", Vector{"a": 1}, Vector{"b": 1}, Concurrent},
		{"zero entries ignored", Vector{"a": 1, "b": 0}, Vector{"a": 1}, Equal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestMerge(t *testing.T) {
	a := Vector{"a": 2, "b": 1}
	b := Vector{"b": 3, "c": 1}

	m := Merge(a, b)
	assert.Equal(t, Vector{"a": 2, "b": 3, "c": 1}, m)

	// Commutative and idempotent.
	assert.Equal(t, m, Merge(b, a))
	assert.Equal(t, m, Merge(m, m))

	// Inputs untouched.
	assert.Equal(t, Vector{"a": 2, "b": 1}, a)
	assert.Equal(t, Vector{"b": 3, "c": 1}, b)

	// The merge is an upper bound of both inputs.
	assert.NotEqual(t, After, a.Compare(m))
	assert.NotEqual(t, After, b.Compare(m))
}

func TestIncrement(t *testing.T) {
	v := Vector{}
	v.Increment("a")
	v.Increment("a")
	v.Increment("b")
	assert.Equal(t, Vector{"a": 2, "b": 1}, v)

	var nilV Vector
	got := nilV.Increment("x")
	assert.Equal(t, Vector{"x": 1}, got)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	v := Vector{"device-1": 4, "server": 9}

	parsed, err := Parse(v.Encode())
	require.NoError(t, err)
	assert.Equal(t, Equal, v.Compare(parsed))
}

func TestParseEmptyAndInvalid(t *testing.T) {
	v, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Equal, v.Compare(Vector{}))

	v, err = Parse("{}")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = Parse("not json")
	assert.Error(t, err)

	_, err = Parse(`{"a":"b"}`)
	assert.Error(t, err)
}

func TestIncrementMakesConcurrentBranches(t *testing.T) {
	base := Vector{"server": 1}

	devA := base.Clone().Increment("dev-a")
	devB := base.Clone().Increment("dev-b")

	assert.Equal(t, Concurrent, devA.Compare(devB))
	assert.Equal(t, After, devA.Compare(base))
	assert.Equal(t, Before, base.Compare(devB))

	merged := Merge(devA, devB)
	assert.Equal(t, After, merged.Compare(devA))
	assert.Equal(t, After, merged.Compare(devB))
}
