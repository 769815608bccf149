package announce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool records every published event.
type fakePool struct {
	mu        sync.Mutex
	started   bool
	destroyed bool
	events    []*nostr.Event
}

func (p *fakePool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

func (p *fakePool) Publish(_ context.Context, ev *nostr.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *fakePool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
}

func (p *fakePool) eventsSnapshot() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nostr.Event(nil), p.events...)
}

// fakeStats is a fixed room-manager snapshot.
type fakeStats struct {
	total    int
	active   []int
	counts   map[int]int
	serveAll bool
	served   []int
}

func (s *fakeStats) GetTotalPlayerCount() int        { return s.total }
func (s *fakeStats) GetActiveMapIDs() []int          { return s.active }
func (s *fakeStats) GetPlayerCounts() map[int]int    { return s.counts }
func (s *fakeStats) GetServedMapIDs() (bool, []int)  { return s.serveAll, s.served }

func testKey(t *testing.T) *nostr.SecretKey {
	t.Helper()
	sk, err := nostr.GenerateSecretKey()
	require.NoError(t, err)
	return sk
}

func newTestAnnouncer(pool *fakePool, stats StatsSource, sk *nostr.SecretKey) *Announcer {
	a := NewAnnouncer(pool, sk, "wss://node.example/ws", "eu-west", 200, stats)
	a.settle = time.Millisecond
	a.interval = 10 * time.Millisecond
	return a
}

func TestBuildHeartbeat_ExplicitPolicy(t *testing.T) {
	sk := testKey(t)
	stats := &fakeStats{
		total:  7,
		active: []int{5, 17},
		counts: map[int]int{5: 7},
		served: []int{5, 17},
	}
	a := newTestAnnouncer(&fakePool{}, stats, sk)
	a.startedAt = time.Now().Add(-90 * time.Second)
	a.now = time.Now

	ev, err := a.buildHeartbeat(StatusActive)
	require.NoError(t, err)

	assert.Equal(t, KindHeartbeat, ev.Kind)
	assert.True(t, ev.Verify(), "heartbeat must verify against its own signature")
	assert.Equal(t, sk.PublicKeyHex(), ev.Pubkey)

	assert.Equal(t, DiscoveryTag, ev.TagValue("t"))
	assert.Equal(t, "wss://node.example/ws", ev.TagValue("sync"))
	assert.Equal(t, StatusActive, ev.TagValue("status"))
	assert.Equal(t, "7", ev.TagValue("load"))
	assert.Equal(t, "200", ev.TagValue("capacity"))
	assert.Equal(t, "2", ev.TagValue("rooms"))
	assert.Equal(t, "eu-west", ev.TagValue("region"))

	// Explicit policy: every served map appears, zero counts included.
	mapTags := ev.TagsByKey("map")
	require.Len(t, mapTags, 2)
	assert.Equal(t, []string{"map", "5", "7"}, mapTags[0])
	assert.Equal(t, []string{"map", "17", "0"}, mapTags[1])
	assert.False(t, ev.HasTag("serves", "all"))
}

func TestBuildHeartbeat_AllPolicy(t *testing.T) {
	stats := &fakeStats{
		total:    3,
		active:   []int{42},
		counts:   map[int]int{42: 3},
		serveAll: true,
	}
	a := newTestAnnouncer(&fakePool{}, stats, testKey(t))
	a.startedAt = a.now()

	ev, err := a.buildHeartbeat(StatusActive)
	require.NoError(t, err)

	// ALL policy: only occupied maps are tagged, plus the marker.
	mapTags := ev.TagsByKey("map")
	require.Len(t, mapTags, 1)
	assert.Equal(t, []string{"map", "42", "3"}, mapTags[0])
	assert.True(t, ev.HasTag("serves", "all"))
}

func TestBuildHeartbeat_Uptime(t *testing.T) {
	a := newTestAnnouncer(&fakePool{}, &fakeStats{counts: map[int]int{}}, testKey(t))
	base := time.Now()
	a.startedAt = base
	a.now = func() time.Time { return base.Add(125 * time.Second) }

	ev, err := a.buildHeartbeat(StatusActive)
	require.NoError(t, err)
	assert.Equal(t, "125", ev.TagValue("uptime"))
}

func TestAnnouncerLifecycle(t *testing.T) {
	pool := &fakePool{}
	stats := &fakeStats{counts: map[int]int{}, serveAll: true}
	a := newTestAnnouncer(pool, stats, testKey(t))

	a.Start()

	// Immediate heartbeat after settle, then periodic ones.
	require.Eventually(t, func() bool {
		return len(pool.eventsSnapshot()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	for _, ev := range pool.eventsSnapshot() {
		assert.Equal(t, StatusActive, ev.TagValue("status"))
	}

	a.Stop()

	events := pool.eventsSnapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, StatusOffline, events[len(events)-1].TagValue("status"),
		"final heartbeat must be offline")

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.True(t, pool.started)
	assert.True(t, pool.destroyed)
}

func TestAnnouncerStop_Idempotent(t *testing.T) {
	pool := &fakePool{}
	a := newTestAnnouncer(pool, &fakeStats{counts: map[int]int{}}, testKey(t))
	a.Start()

	a.Stop()
	a.Stop()

	offline := 0
	for _, ev := range pool.eventsSnapshot() {
		if ev.TagValue("status") == StatusOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}
