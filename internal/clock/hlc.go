// Package clock implements the hybrid logical clock used to stamp
// replicated writes. Timestamps order like wall time while staying
// monotonic across message exchange, which makes them usable as the
// last-writer-wins arbiter during conflict resolution.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxCounter keeps the encoded counter inside its fixed width.
const maxCounter = 99999

// Timestamp is a single hybrid logical clock reading.
type Timestamp struct {
	WallMs  int64
	Counter int32
	Node    string
}

// Encode renders the timestamp as a fixed-width sortable string:
// "<13-digit millis>-<5-digit counter>-<node>". For timestamps of the
// same node-id length, lexicographic order equals causal order.
func (t Timestamp) Encode() string {
	return fmt.Sprintf("%013d-%05d-%s", t.WallMs, t.Counter, t.Node)
}

func (t Timestamp) String() string { return t.Encode() }

// IsZero reports whether the timestamp is the zero value.
func (t Timestamp) IsZero() bool {
	return t.WallMs == 0 && t.Counter == 0 && t.Node == ""
}

// Compare orders two timestamps: wall time, then counter, then node id
// as the deterministic tiebreak. Returns -1, 0 or 1.
func Compare(a, b Timestamp) int {
	if a.WallMs != b.WallMs {
		if a.WallMs < b.WallMs {
			return -1
		}
		return 1
	}
	if a.Counter != b.Counter {
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Node, b.Node)
}

// Parse decodes a timestamp produced by Encode. Node ids may themselves
// contain dashes, so only the first two fields are split off.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("malformed hlc %q", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc wall %q: %w", s, err)
	}
	counter, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc counter %q: %w", s, err)
	}
	return Timestamp{WallMs: wall, Counter: int32(counter), Node: parts[2]}, nil
}

// Clock issues monotonically increasing timestamps for one node.
type Clock struct {
	mu      sync.Mutex
	node    string
	wallMs  int64
	counter int32
	nowMs   func() int64
}

// New returns a clock stamping timestamps with the given node id.
func New(node string) *Clock {
	return &Clock{
		node:  node,
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// NewAt is New with a custom wall-time source, for tests.
func NewAt(node string, nowMs func() int64) *Clock {
	return &Clock{node: node, nowMs: nowMs}
}

// Node returns the clock's node id.
func (c *Clock) Node() string { return c.node }

// Now returns the next local timestamp. Successive calls are strictly
// increasing even when wall time stalls or steps backward.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowMs()
	if phys > c.wallMs {
		c.wallMs = phys
		c.counter = 0
	} else {
		c.tick()
	}
	return Timestamp{WallMs: c.wallMs, Counter: c.counter, Node: c.node}
}

// Observe merges a remote timestamp into the clock and returns a fresh
// timestamp greater than both the remote one and any issued before.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowMs()
	switch {
	case phys > c.wallMs && phys > remote.WallMs:
		c.wallMs = phys
		c.counter = 0
	case remote.WallMs > c.wallMs:
		c.wallMs = remote.WallMs
		c.counter = remote.Counter
		c.tick()
	case c.wallMs > remote.WallMs:
		c.tick()
	default:
		if remote.Counter > c.counter {
			c.counter = remote.Counter
		}
		c.tick()
	}
	return Timestamp{WallMs: c.wallMs, Counter: c.counter, Node: c.node}
}

// tick advances the counter, rolling into the wall component when the
// counter would overflow its encoded width. Callers hold c.mu.
func (c *Clock) tick() {
	if c.counter >= maxCounter {
		c.wallMs++
		c.counter = 0
		return
	}
	c.counter++
}
