// Package announce builds, signs and broadcasts periodic node heartbeats to
// the discovery relays so clients and peer nodes can find this sync node.
package announce

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"go.uber.org/zap"
)

const (
	// KindHeartbeat is the replaceable event kind for node heartbeats.
	KindHeartbeat = 10311
	// DiscoveryTag is the `t` tag value every heartbeat carries; readers
	// filter on it.
	DiscoveryTag = "3d-scene-sync"

	// HeartbeatInterval separates broadcast rounds.
	HeartbeatInterval = 60 * time.Second

	// settleDelay gives relay sessions time to connect before the first
	// heartbeat.
	settleDelay = 2 * time.Second

	publishTimeout = 15 * time.Second
)

// Node statuses carried in the heartbeat `status` tag.
const (
	StatusActive  = "active"
	StatusStandby = "standby"
	StatusOffline = "offline"
)

// StatsSource is what the announcer reads from the room manager on each tick.
type StatsSource interface {
	GetTotalPlayerCount() int
	GetActiveMapIDs() []int
	GetPlayerCounts() map[int]int
	GetServedMapIDs() (serveAll bool, mapIDs []int)
}

// eventPublisher is the slice of the relay pool the announcer uses.
type eventPublisher interface {
	Start()
	Publish(ctx context.Context, ev *nostr.Event) int
	Destroy()
}

// Announcer owns a relay session pool and a broadcast timer.
type Announcer struct {
	pool       eventPublisher
	sk         *nostr.SecretKey
	syncURL    string
	region     string
	maxPlayers int
	stats      StatsSource

	now       func() time.Time
	startedAt time.Time
	settle    time.Duration
	interval  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAnnouncer wires an announcer; Start begins broadcasting.
func NewAnnouncer(pool eventPublisher, sk *nostr.SecretKey, syncURL, region string, maxPlayers int, stats StatsSource) *Announcer {
	return &Announcer{
		pool:       pool,
		sk:         sk,
		syncURL:    syncURL,
		region:     region,
		maxPlayers: maxPlayers,
		stats:      stats,
		now:        time.Now,
		settle:     settleDelay,
		interval:   HeartbeatInterval,
		stop:       make(chan struct{}),
	}
}

// Start connects the relay pool and begins the heartbeat loop: one immediate
// active heartbeat after a short settle, then one per interval.
func (a *Announcer) Start() {
	a.startedAt = a.now()
	a.pool.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		select {
		case <-a.stop:
			return
		case <-time.After(a.settle):
		}

		a.broadcast(StatusActive)

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				a.broadcast(StatusActive)
			}
		}
	}()
}

// Stop cancels the loop, publishes one final offline heartbeat and tears the
// sessions down.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()

		a.broadcast(StatusOffline)
		a.pool.Destroy()
	})
}

// broadcast signs one heartbeat and fans it out. Delivery is best-effort:
// relay failures are logged by the pool and ignored here.
func (a *Announcer) broadcast(status string) {
	ev, err := a.buildHeartbeat(status)
	if err != nil {
		logging.Error(context.Background(), "Failed to build heartbeat", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	accepted := a.pool.Publish(ctx, ev)
	metrics.HeartbeatsPublished.Inc()
	logging.Info(ctx, "Heartbeat broadcast",
		zap.String("status", status), zap.Int("acceptedBy", accepted))
}

// buildHeartbeat assembles and signs the node-state record. Under the ALL
// policy only occupied maps get a tag (plus a serves=all marker); an explicit
// policy lists every served map with its count, possibly zero.
func (a *Announcer) buildHeartbeat(status string) (*nostr.Event, error) {
	total := a.stats.GetTotalPlayerCount()
	activeRooms := len(a.stats.GetActiveMapIDs())
	counts := a.stats.GetPlayerCounts()
	serveAll, served := a.stats.GetServedMapIDs()
	uptime := int64(a.now().Sub(a.startedAt).Seconds())

	tags := [][]string{
		{"t", DiscoveryTag},
		{"sync", a.syncURL},
		{"status", status},
		{"load", strconv.Itoa(total)},
		{"capacity", strconv.Itoa(a.maxPlayers)},
		{"rooms", strconv.Itoa(activeRooms)},
		{"uptime", strconv.FormatInt(uptime, 10)},
	}

	if serveAll {
		occupied := make([]int, 0, len(counts))
		for mapID := range counts {
			occupied = append(occupied, mapID)
		}
		sort.Ints(occupied)
		for _, mapID := range occupied {
			tags = append(tags, []string{"map", strconv.Itoa(mapID), strconv.Itoa(counts[mapID])})
		}
		tags = append(tags, []string{"serves", "all"})
	} else {
		for _, mapID := range served {
			tags = append(tags, []string{"map", strconv.Itoa(mapID), strconv.Itoa(counts[mapID])})
		}
	}

	if a.region != "" {
		tags = append(tags, []string{"region", a.region})
	}

	ev := &nostr.Event{
		CreatedAt: a.now().Unix(),
		Kind:      KindHeartbeat,
		Tags:      tags,
		Content:   "",
	}
	if err := ev.Sign(a.sk); err != nil {
		return nil, err
	}
	return ev, nil
}
