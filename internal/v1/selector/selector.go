// Package selector implements the frontier-expansion map auto-selector: in
// AUTO mode it periodically reads the network state off the discovery fabric
// and rewrites the room manager's served-map set.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/discovery"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/openworld-labs/gridsync/internal/v1/worldmap"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// ReevaluateInterval separates selector ticks. Rooms that fall out of the
// served set are not destroyed here; the empty-room reaper handles decay.
const ReevaluateInterval = 30 * time.Minute

// MapUpdater is the slice of the room manager the selector drives.
type MapUpdater interface {
	UpdateServedMaps(mapIDs []int)
}

// queryFunc fetches heartbeats from one relay; injectable for tests.
type queryFunc func(ctx context.Context, url string) ([]*nostr.Event, error)

// Selector periodically recomputes the served-map set.
type Selector struct {
	relays     []string
	targetMaps int
	updater    MapUpdater

	query    queryFunc
	now      func() time.Time
	rng      *rand.Rand
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSelector wires a selector over the given relays.
func NewSelector(relays []string, targetMaps int, updater MapUpdater) *Selector {
	return &Selector{
		relays:     relays,
		targetMaps: targetMaps,
		updater:    updater,
		query:      discovery.QueryRelay,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		interval:   ReevaluateInterval,
		stop:       make(chan struct{}),
	}
}

// Start evaluates once immediately, then on every interval tick.
func (s *Selector) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.evaluate(context.Background())

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.evaluate(context.Background())
			}
		}
	}()
}

// Stop cancels the loop.
func (s *Selector) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

// evaluate runs one selector tick: read the network state off the first
// relay that answers, compute the new served set, install it.
func (s *Selector) evaluate(ctx context.Context) {
	var events []*nostr.Event
	for _, url := range s.relays {
		evs, err := s.query(ctx, url)
		if err != nil {
			logging.Warn(ctx, "Selector relay query failed",
				zap.String("relay", url), zap.Error(err))
			continue
		}
		if len(evs) > 0 {
			events = evs
			break
		}
	}
	// No events anywhere is the bootstrap case: an empty network state
	// still yields the seeds and their frontier.

	state := discovery.AnalyzeHeartbeats(events, s.now())
	served := ComputeServedSet(state, s.targetMaps, s.rng)
	s.updater.UpdateServedMaps(served)

	logging.Info(ctx, "Served maps recomputed",
		zap.Int("count", len(served)), zap.Int("heartbeats", len(events)))
}

// ComputeServedSet runs one frontier expansion over the network state and
// returns the sorted served set: the birth seed plus the top-scored frontier
// maps. Ties in the frontier ranking break toward the lower map id, so the
// result is deterministic for a fixed rng.
func ComputeServedSet(state *discovery.NetworkState, targetMaps int, rng *rand.Rand) []int {
	// Seeds are implicitly guarded by the grid invariant.
	guarded := state.GuardedMaps.Clone()
	guarded.Insert(worldmap.SeedMaps...)

	birthSeed := chooseBirthSeed(state, rng)

	frontier := worldmap.Frontier(guarded).SortedList()

	type scored struct {
		mapID int
		score int
	}
	ranked := make([]scored, 0, len(frontier))
	for _, mapID := range frontier {
		ranked = append(ranked, scored{mapID, scoreMap(state, birthSeed, mapID)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].mapID < ranked[j].mapID
	})

	if targetMaps < len(ranked) {
		ranked = ranked[:targetMaps]
	}

	final := set.New(birthSeed)
	for _, r := range ranked {
		final.Insert(r.mapID)
	}
	return final.SortedList()
}

// chooseBirthSeed picks the least-guarded seed, breaking ties uniformly at
// random.
func chooseBirthSeed(state *discovery.NetworkState, rng *rand.Rand) int {
	minCount := -1
	var candidates []int
	for _, seed := range worldmap.SeedMaps {
		c := state.GuardianCounts[seed]
		switch {
		case minCount < 0 || c < minCount:
			minCount = c
			candidates = candidates[:0]
			candidates = append(candidates, seed)
		case c == minCount:
			candidates = append(candidates, seed)
		}
	}
	return candidates[rng.Intn(len(candidates))]
}

// scoreMap implements the frontier score: orphan bonus, scarcity, demand and
// proximity to the birth seed.
func scoreMap(state *discovery.NetworkState, birthSeed, mapID int) int {
	g := state.GuardianCounts[mapID]

	score := 0
	if g == 0 {
		score += 500
	}
	score += max(0, 100-50*g)
	score += min(20*state.PlayerCounts[mapID], 100)
	score += max(0, 50-worldmap.ManhattanDistance(birthSeed, mapID))
	return score
}
