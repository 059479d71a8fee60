// Package version implements the per-row version vectors that the sync
// engine uses to tell causally ordered writes from concurrent ones.
package version

import (
	"encoding/json"
	"fmt"
)

// Ordering is the result of comparing two vectors.
type Ordering int

const (
	Equal Ordering = iota
	// Before means the receiver happened strictly before the argument.
	Before
	// After means the receiver happened strictly after the argument.
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Vector is a version vector keyed by node id. The zero value (nil) is
// a valid vector that precedes everything non-empty.
type Vector map[string]int64

// Parse decodes a vector from its JSON encoding. Empty input yields an
// empty vector.
func Parse(s string) (Vector, error) {
	if s == "" {
		return Vector{}, nil
	}
	var v Vector
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("malformed version vector %q: %w", s, err)
	}
	if v == nil {
		v = Vector{}
	}
	return v, nil
}

// Encode renders the vector as JSON. Map key order does not matter to
// any consumer; vectors are compared structurally, never as strings.
func (v Vector) Encode() string {
	if len(v) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Increment bumps the counter of node and returns the vector.
func (v Vector) Increment(node string) Vector {
	if v == nil {
		v = Vector{}
	}
	v[node]++
	return v
}

// Merge returns the pointwise maximum of both vectors.
func Merge(a, b Vector) Vector {
	out := a.Clone()
	for k, n := range b {
		if n > out[k] {
			out[k] = n
		}
	}
	return out
}

// Compare orders the receiver against other. Missing entries count as
// zero, so {} precedes any vector with positive counters.
func (v Vector) Compare(other Vector) Ordering {
	var less, greater bool
	for k, n := range v {
		if o := other[k]; n < o {
			less = true
		} else if n > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, ok := v[k]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}
