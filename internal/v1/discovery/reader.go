// Package discovery reads peer heartbeats off the relay fabric and projects
// them into a network-state snapshot for the map selector.
package discovery

import (
	"context"
	"strconv"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/announce"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/openworld-labs/gridsync/internal/v1/relay"
	"github.com/openworld-labs/gridsync/internal/v1/worldmap"
	"k8s.io/utils/set"
)

const (
	// QueryTimeout is the hard cap on one relay query, connect included.
	QueryTimeout = 15 * time.Second
	// StaleThreshold drops heartbeats older than this.
	StaleThreshold = 180 * time.Second

	connectPoll = 50 * time.Millisecond
)

// NetworkState is the projection of current heartbeats the selector consumes.
type NetworkState struct {
	GuardedMaps    set.Set[int]
	GuardianCounts map[int]int
	PlayerCounts   map[int]int
}

// HeartbeatFilter selects current node heartbeats.
func HeartbeatFilter() *nostr.Filter {
	return &nostr.Filter{
		Kinds: []int{announce.KindHeartbeat},
		Tags:  []string{announce.DiscoveryTag},
		Limit: 200,
	}
}

// QueryRelay opens a one-shot session to the relay, collects heartbeats until
// EOSE or the hard timeout, and tears the session down.
func QueryRelay(ctx context.Context, url string) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	s := relay.NewSession(url)
	s.Start()
	defer s.Destroy()

	for s.State() != relay.StateConnected {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectPoll):
		}
	}

	return s.Query(ctx, HeartbeatFilter())
}

// AnalyzeHeartbeats projects raw heartbeat events to a NetworkState:
// deduplicate per node endpoint keeping the newest, drop stale and
// non-active records, then accumulate per-map guardianship and load.
// Malformed or unverifiable events are skipped silently.
func AnalyzeHeartbeats(events []*nostr.Event, now time.Time) *NetworkState {
	state := &NetworkState{
		GuardedMaps:    set.New[int](),
		GuardianCounts: make(map[int]int),
		PlayerCounts:   make(map[int]int),
	}

	newest := make(map[string]*nostr.Event)
	for _, ev := range events {
		if ev == nil || !ev.Verify() {
			continue
		}
		endpoint := ev.TagValue("sync")
		if endpoint == "" {
			continue
		}
		if cur, ok := newest[endpoint]; !ok || ev.CreatedAt > cur.CreatedAt {
			newest[endpoint] = ev
		}
	}

	cutoff := now.Add(-StaleThreshold).Unix()
	for _, ev := range newest {
		if ev.CreatedAt < cutoff {
			continue
		}
		switch ev.TagValue("status") {
		case announce.StatusOffline, announce.StatusStandby:
			continue
		}

		for _, tag := range ev.TagsByKey("map") {
			if len(tag) < 3 {
				continue
			}
			mapID, err := strconv.Atoi(tag[1])
			if err != nil || !worldmap.ValidMapID(mapID) {
				continue
			}
			count, err := strconv.Atoi(tag[2])
			if err != nil || count < 0 {
				count = 0
			}

			state.GuardedMaps.Insert(mapID)
			state.GuardianCounts[mapID]++
			state.PlayerCounts[mapID] += count
		}

		// A serve-all node implicitly guards the seed anchors.
		if ev.HasTag("serves", "all") {
			for _, seed := range worldmap.SeedMaps {
				state.GuardedMaps.Insert(seed)
			}
		}
	}

	return state
}
