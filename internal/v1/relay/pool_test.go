package relay

import (
	"context"
	"testing"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, urls ...string) *Pool {
	t.Helper()
	p := NewPool(urls)
	p.Start()
	t.Cleanup(p.Destroy)
	require.Eventually(t, func() bool {
		return p.ConnectedCount() == len(urls)
	}, 3*time.Second, 10*time.Millisecond)
	return p
}

func TestPoolPublish_CountsAcceptances(t *testing.T) {
	f1 := newFakeRelay(t)
	f2 := newFakeRelay(t)
	f2.setMode(ackRefuse)
	p := startPool(t, f1.url, f2.url)

	n := p.Publish(context.Background(), signedTestEvent(t, "fanout"))

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f1.receivedCount())
	assert.Equal(t, 1, f2.receivedCount())
}

func TestPoolQuery_MergesAndDeduplicates(t *testing.T) {
	shared := signedTestEvent(t, "shared")
	only1 := signedTestEvent(t, "one")

	f1 := newFakeRelay(t)
	f1.stored = []*nostr.Event{shared, only1}
	f2 := newFakeRelay(t)
	f2.stored = []*nostr.Event{shared}
	p := startPool(t, f1.url, f2.url)

	events := p.Query(context.Background(), &nostr.Filter{Kinds: []int{10311}})

	ids := make(map[string]bool)
	for _, ev := range events {
		ids[ev.ID] = true
	}
	assert.Len(t, events, 2)
	assert.True(t, ids[shared.ID])
	assert.True(t, ids[only1.ID])
}

func TestPoolPublish_EmptyPool(t *testing.T) {
	p := NewPool(nil)
	defer p.Destroy()

	assert.Equal(t, 0, p.Publish(context.Background(), signedTestEvent(t, "void")))
	assert.Empty(t, p.Query(context.Background(), &nostr.Filter{}))
}
