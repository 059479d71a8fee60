package agent

import (
	"math/rand"
	"time"

	"github.com/dokanhq/dokansync/internal/config"
)

// backoff produces exponentially growing retry delays with jitter,
// capped at the configured maximum. Not safe for concurrent use; the
// sync loop owns one.
type backoff struct {
	cfg  config.Sync
	next time.Duration
}

func newBackoff(cfg config.Sync) *backoff {
	return &backoff{cfg: cfg, next: cfg.BackoffBase}
}

// Delay returns the next delay and advances the schedule.
func (b *backoff) Delay() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.cfg.BackoffFactor)
	if grown > b.cfg.BackoffMax {
		grown = b.cfg.BackoffMax
	}
	b.next = grown

	if b.cfg.Jitter > 0 {
		// Spread delays so a fleet of devices recovering from the same
		// outage does not stampede the server.
		span := float64(d) * b.cfg.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Reset returns the schedule to the base delay after a success.
func (b *backoff) Reset() {
	b.next = b.cfg.BackoffBase
}
