package room

import (
	"context"
	"sync"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/types"
	"github.com/openworld-labs/gridsync/internal/v1/worldmap"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const (
	// EmptyRoomTTL is how long a room may sit at zero players before the
	// reaper destroys it.
	EmptyRoomTTL = 5 * time.Minute
	// reapInterval is the empty-room reaper period.
	reapInterval = 60 * time.Second
)

// Manager creates rooms on demand, enforces the served-map policy, collects
// aggregate counts and reaps rooms that stay empty.
type Manager struct {
	ctx context.Context

	mu      sync.Mutex
	rooms   map[int]*Room
	emptyAt map[int]time.Time

	// Served policy: serveAll, or the explicit set. The set is replaced
	// atomically by UpdateServedMaps (auto mode starts explicit and empty).
	serveAll bool
	served   set.Set[int]

	verifier authVerifier
	bus      types.BusService
	nodeID   string
	hook     GameEventHook

	now      func() time.Time
	reapStop chan struct{}
	reapOnce sync.Once
}

// authVerifier is what rooms need from the auth package.
type authVerifier interface {
	VerifyAuthResponse(claimedPubkey, challenge, signedPayload string) bool
}

// NewManager builds a manager serving either all maps or an explicit list.
// busService may be nil.
func NewManager(ctx context.Context, serveAll bool, servedMaps []int, verifier authVerifier, busService types.BusService, nodeID string) *Manager {
	return &Manager{
		ctx:      ctx,
		rooms:    make(map[int]*Room),
		emptyAt:  make(map[int]time.Time),
		serveAll: serveAll,
		served:   set.New(servedMaps...),
		verifier: verifier,
		bus:      busService,
		nodeID:   nodeID,
		now:      time.Now,
		reapStop: make(chan struct{}),
	}
}

// SetGameEventHook installs the hook on existing rooms and every room
// created afterwards.
func (m *Manager) SetGameEventHook(hook GameEventHook) {
	m.mu.Lock()
	m.hook = hook
	rooms := m.roomsSnapshotLocked()
	m.mu.Unlock()

	for _, r := range rooms {
		r.SetGameEventHook(hook)
	}
}

// IsMapServed reports whether this node accepts connections for the map.
func (m *Manager) IsMapServed(mapID int) bool {
	if !worldmap.ValidMapID(mapID) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serveAll || m.served.Has(mapID)
}

// AddConnection routes a connection into the room for mapID, creating the
// room when needed. Returns false when the map is not served.
func (m *Manager) AddConnection(conn types.ClientConn, mapID int) (types.Roomer, bool) {
	if !m.IsMapServed(mapID) {
		return nil, false
	}

	m.mu.Lock()
	r, exists := m.rooms[mapID]
	if !exists {
		r = NewRoom(m.ctx, mapID, m.verifier, m.bus, m.nodeID)
		if m.hook != nil {
			r.SetGameEventHook(m.hook)
		}
		m.rooms[mapID] = r
		metrics.ActiveRooms.Inc()
		logging.Info(m.ctx, "Created room", zap.Int("mapId", mapID))
	}
	// A connection arriving clears the empty timer.
	delete(m.emptyAt, mapID)
	m.mu.Unlock()

	r.AddConnection(conn)
	return r, true
}

// GetPlayerCounts returns authenticated player counts for maps that have any.
func (m *Manager) GetPlayerCounts() map[int]int {
	counts := make(map[int]int)
	for mapID, r := range m.roomsSnapshot() {
		if n := r.PlayerCount(); n > 0 {
			counts[mapID] = n
		}
	}
	return counts
}

// GetTotalPlayerCount returns the sum of authenticated players over all rooms.
func (m *Manager) GetTotalPlayerCount() int {
	total := 0
	for _, r := range m.roomsSnapshot() {
		total += r.PlayerCount()
	}
	return total
}

// GetActiveMapIDs lists maps with a live room.
func (m *Manager) GetActiveMapIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// GetServedMapIDs returns (true, nil) under the all policy, else the
// explicit served set.
func (m *Manager) GetServedMapIDs() (bool, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serveAll {
		return true, nil
	}
	return false, m.served.SortedList()
}

// UpdateServedMaps atomically replaces the explicit served set.
func (m *Manager) UpdateServedMaps(mapIDs []int) {
	m.mu.Lock()
	m.serveAll = false
	m.served = set.New(mapIDs...)
	m.mu.Unlock()

	logging.Info(m.ctx, "Served maps updated", zap.Int("count", len(mapIDs)))
}

// CleanupInactive evicts idle clients in every room, then starts the empty
// timer on rooms that dropped to zero.
func (m *Manager) CleanupInactive(maxIdle time.Duration) {
	for _, r := range m.roomsSnapshot() {
		r.CleanupInactive(maxIdle)
	}
	m.markEmptyRooms()
}

// StartReaper launches the empty-room reaper. Safe to call once.
func (m *Manager) StartReaper() {
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.reapStop:
				return
			case <-ticker.C:
				m.reapEmptyRooms()
			}
		}
	}()
}

// reapEmptyRooms implements the two-phase empty gate: a room must be seen
// empty on one pass and still be empty EmptyRoomTTL later before it dies.
func (m *Manager) reapEmptyRooms() {
	now := m.now()

	m.mu.Lock()
	var doomed []*Room
	for mapID, r := range m.rooms {
		if r.PlayerCount() > 0 {
			delete(m.emptyAt, mapID)
			continue
		}
		since, marked := m.emptyAt[mapID]
		if !marked {
			m.emptyAt[mapID] = now
			continue
		}
		if now.Sub(since) > EmptyRoomTTL {
			doomed = append(doomed, r)
			delete(m.rooms, mapID)
			delete(m.emptyAt, mapID)
			metrics.ActiveRooms.Dec()
			logging.Info(m.ctx, "Reaping empty room", zap.Int("mapId", mapID))
		}
	}
	m.mu.Unlock()

	for _, r := range doomed {
		r.Destroy()
	}
}

func (m *Manager) markEmptyRooms() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for mapID, r := range m.rooms {
		if r.PlayerCount() > 0 {
			delete(m.emptyAt, mapID)
		} else if _, marked := m.emptyAt[mapID]; !marked {
			m.emptyAt[mapID] = now
		}
	}
}

// Destroy stops the reaper and destroys all rooms.
func (m *Manager) Destroy() {
	m.reapOnce.Do(func() { close(m.reapStop) })

	m.mu.Lock()
	rooms := m.roomsSnapshotLocked()
	m.rooms = make(map[int]*Room)
	m.emptyAt = make(map[int]time.Time)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Destroy()
		metrics.ActiveRooms.Dec()
	}
}

func (m *Manager) roomsSnapshot() map[int]*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsSnapshotLocked()
}

func (m *Manager) roomsSnapshotLocked() map[int]*Room {
	out := make(map[int]*Room, len(m.rooms))
	for id, r := range m.rooms {
		out[id] = r
	}
	return out
}
