// Package notify wakes long-poll waiters when a tenant's transaction
// log grows. A single node only needs the in-process hub; when Redis is
// configured the bridge relays publishes across nodes so every server's
// waiters wake regardless of which node applied the op.
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hub fans out per-tenant sequence advances to waiting goroutines.
type Hub struct {
	mu      sync.Mutex
	latest  map[string]int64
	waiters map[string][]chan int64
}

func NewHub() *Hub {
	return &Hub{
		latest:  make(map[string]int64),
		waiters: make(map[string][]chan int64),
	}
}

// Publish records that a tenant's log reached seq and wakes its
// waiters. Publishes never block: each waiter channel has capacity one
// and is dropped from the list once signalled.
func (h *Hub) Publish(businessID string, seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq <= h.latest[businessID] {
		return
	}
	h.latest[businessID] = seq
	for _, ch := range h.waiters[businessID] {
		select {
		case ch <- seq:
		default:
		}
	}
	delete(h.waiters, businessID)
}

// Latest returns the last sequence published for a tenant.
func (h *Hub) Latest(businessID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest[businessID]
}

// Wait blocks until the tenant's log advances past after, the timeout
// elapses or ctx is done. It returns the latest known sequence and
// whether new ops are available.
func (h *Hub) Wait(ctx context.Context, businessID string, after int64, timeout time.Duration) (int64, bool) {
	h.mu.Lock()
	if cur := h.latest[businessID]; cur > after {
		h.mu.Unlock()
		return cur, true
	}
	ch := make(chan int64, 1)
	h.waiters[businessID] = append(h.waiters[businessID], ch)
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case seq := <-ch:
		return seq, true
	case <-timer.C:
	case <-ctx.Done():
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Remove the channel so an abandoned waiter does not accumulate.
	ws := h.waiters[businessID]
	for i, w := range ws {
		if w == ch {
			h.waiters[businessID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	return h.latest[businessID], h.latest[businessID] > after
}

// channel carries cross-node change notifications as "tenant:seq".
const channel = "sync:changes"

// Bridge mirrors hub publishes through Redis pub/sub so peer nodes wake
// each other's long-poll waiters.
type Bridge struct {
	hub *Hub
	rdb *redis.Client
}

func NewBridge(hub *Hub, rdb *redis.Client) *Bridge {
	return &Bridge{hub: hub, rdb: rdb}
}

// Publish signals the local hub and broadcasts to peers. Redis failures
// degrade to local-only delivery.
func (b *Bridge) Publish(businessID string, seq int64) {
	b.hub.Publish(businessID, seq)
	payload := fmt.Sprintf("%s:%d", businessID, seq)
	if err := b.rdb.Publish(context.Background(), channel, payload).Err(); err != nil {
		log.Printf("notify: redis publish failed: %v", err)
	}
}

// Run relays peer publishes into the local hub until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			tenant, seq, err := parsePayload(msg.Payload)
			if err != nil {
				log.Printf("notify: %v", err)
				continue
			}
			b.hub.Publish(tenant, seq)
		}
	}
}

func parsePayload(payload string) (string, int64, error) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed change notification %q", payload)
	}
	seq, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed change notification %q: %w", payload, err)
	}
	return payload[:idx], seq, nil
}
