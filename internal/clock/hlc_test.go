package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNow_StrictlyIncreasing(t *testing.T) {
	// Frozen wall time forces the counter to do the work.
	c := NewAt("node-a", func() int64 { return 1000 })

	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		assert.Equal(t, 1, Compare(next, prev), "timestamps must strictly increase")
		prev = next
	}
}

func TestNow_WallTimeStepsBackward(t *testing.T) {
	wall := int64(5000)
	c := NewAt("node-a", func() int64 { return wall })

	first := c.Now()
	wall = 4000
	second := c.Now()

	assert.Equal(t, 1, Compare(second, first))
	assert.Equal(t, int64(5000), second.WallMs, "wall component must not regress")
}

func TestObserve_AdoptsRemoteFuture(t *testing.T) {
	c := NewAt("node-a", func() int64 { return 1000 })

	remote := Timestamp{WallMs: 9000, Counter: 3, Node: "node-b"}
	got := c.Observe(remote)

	assert.Equal(t, int64(9000), got.WallMs)
	assert.Equal(t, 1, Compare(got, remote), "observed timestamp must exceed the remote one")
	assert.Equal(t, "node-a", got.Node)

	// Local clock stays ahead of the observed remote afterwards.
	assert.Equal(t, 1, Compare(c.Now(), remote))
}

func TestObserve_RemoteBehindStillTicks(t *testing.T) {
	c := NewAt("node-a", func() int64 { return 1000 })
	first := c.Now()

	got := c.Observe(Timestamp{WallMs: 10, Counter: 0, Node: "node-b"})
	assert.Equal(t, 1, Compare(got, first))
}

func TestCounterOverflowRollsIntoWall(t *testing.T) {
	c := NewAt("node-a", func() int64 { return 1000 })
	c.wallMs = 1000
	c.counter = maxCounter

	got := c.Now()
	assert.Equal(t, int64(1001), got.WallMs)
	assert.Equal(t, int32(0), got.Counter)
}

func TestEncodeOrderMatchesCompare(t *testing.T) {
	cases := []struct {
		a, b Timestamp
	}{
		{Timestamp{WallMs: 1, Counter: 0, Node: "x"}, Timestamp{WallMs: 2, Counter: 0, Node: "x"}},
		{Timestamp{WallMs: 5, Counter: 1, Node: "x"}, Timestamp{WallMs: 5, Counter: 2, Node: "x"}},
		{Timestamp{WallMs: 5, Counter: 1, Node: "a"}, Timestamp{WallMs: 5, Counter: 1, Node: "b"}},
		{Timestamp{WallMs: 999, Counter: 99999, Node: "x"}, Timestamp{WallMs: 1000, Counter: 0, Node: "x"}},
	}
	for _, tc := range cases {
		assert.Equal(t, -1, Compare(tc.a, tc.b))
		assert.Less(t, tc.a.Encode(), tc.b.Encode(), "encoding must sort like Compare")
	}
}

func TestParseRoundTrip(t *testing.T) {
	ts := Timestamp{WallMs: 1726000000000, Counter: 42, Node: "0f8fad5b-d9cb-469f-a165-70867728950e"}

	got, err := Parse(ts.Encode())
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "123", "abc-def-ghi", "0000000001000"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestConcurrentNow(t *testing.T) {
	c := New("node-a")

	const goroutines = 8
	const perG = 200

	var wg sync.WaitGroup
	out := make(chan Timestamp, goroutines*perG)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				out <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[string]bool, goroutines*perG)
	for ts := range out {
		key := ts.Encode()
		assert.False(t, seen[key], "duplicate timestamp %s", key)
		seen[key] = true
	}
}
