package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyWhenBehind(t *testing.T) {
	hub := NewHub()
	hub.Publish("biz-1", 5)

	seq, ok := hub.Wait(context.Background(), "biz-1", 3, time.Second)
	assert.True(t, ok)
	assert.Equal(t, int64(5), seq)
}

func TestWaitWakesOnPublish(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	wg.Add(1)
	var seq int64
	var ok bool
	go func() {
		defer wg.Done()
		seq, ok = hub.Wait(context.Background(), "biz-1", 0, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish("biz-1", 1)
	wg.Wait()

	assert.True(t, ok)
	assert.Equal(t, int64(1), seq)
}

func TestWaitTimesOut(t *testing.T) {
	hub := NewHub()

	start := time.Now()
	_, ok := hub.Wait(context.Background(), "biz-1", 0, 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitHonorsContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, ok := hub.Wait(ctx, "biz-1", 0, 5*time.Second)
	assert.False(t, ok)
}

func TestPublishIsTenantScoped(t *testing.T) {
	hub := NewHub()
	hub.Publish("biz-1", 7)

	_, ok := hub.Wait(context.Background(), "biz-2", 0, 30*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, int64(0), hub.Latest("biz-2"))
	assert.Equal(t, int64(7), hub.Latest("biz-1"))
}

func TestPublishNeverMovesBackward(t *testing.T) {
	hub := NewHub()
	hub.Publish("biz-1", 9)
	hub.Publish("biz-1", 4)
	assert.Equal(t, int64(9), hub.Latest("biz-1"))
}

func TestParsePayload(t *testing.T) {
	tenant, seq, err := parsePayload("biz-1:42")
	require.NoError(t, err)
	assert.Equal(t, "biz-1", tenant)
	assert.Equal(t, int64(42), seq)

	// Tenant ids may contain colons; only the last field is the seq.
	tenant, seq, err = parsePayload("a:b:7")
	require.NoError(t, err)
	assert.Equal(t, "a:b", tenant)
	assert.Equal(t, int64(7), seq)

	_, _, err = parsePayload("garbage")
	assert.Error(t, err)
}
