// Package room owns the connected clients for one map: the auth state
// machine, broadcast and area-of-interest fan-out, direct message routing
// and idle reaping. The Manager in this package creates rooms on demand and
// reaps the ones that stay empty.
package room

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/bus"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/types"
	"go.uber.org/zap"
)

// GameEventHook observes authenticated client traffic for one room. Hooks
// must not call back into the Room synchronously.
type GameEventHook func(mapID int, pubkey string, msg *types.ClientMessage)

// Room tracks all clients present on one map on this node.
type Room struct {
	mapID int

	mu          sync.Mutex
	clients     map[types.ClientConn]*client
	pubkeyIndex map[string]types.ClientConn
	msgID       uint64 // monotonic per room, guarded by mu

	verifier authVerifier
	now      func() time.Time

	// Cross-node mirroring (optional).
	nodeID    string
	bus       types.BusService
	busWG     sync.WaitGroup
	busCancel context.CancelFunc

	hook GameEventHook
}

// NewRoom creates the room for one map. busService may be nil.
func NewRoom(ctx context.Context, mapID int, verifier authVerifier, busService types.BusService, nodeID string) *Room {
	r := &Room{
		mapID:       mapID,
		clients:     make(map[types.ClientConn]*client),
		pubkeyIndex: make(map[string]types.ClientConn),
		verifier:    verifier,
		now:         time.Now,
		nodeID:      nodeID,
		bus:         busService,
	}

	if busService != nil {
		busCtx, cancel := context.WithCancel(ctx)
		r.busCancel = cancel
		busService.Subscribe(busCtx, mapID, &r.busWG, r.handleBusPayload)
	}

	return r
}

// MapID returns the immutable map id this room serves.
func (r *Room) MapID() int {
	return r.mapID
}

// SetGameEventHook installs the pluggable game-event observer.
func (r *Room) SetGameEventHook(hook GameEventHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// AddConnection installs a connection in AWAIT_AUTH state.
func (r *Room) AddConnection(conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[conn]; exists {
		return
	}
	r.clients[conn] = &client{
		conn:         conn,
		state:        stateAwaitAuth,
		lastActivity: r.now(),
	}
}

// PlayerCount returns the number of authenticated clients.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pubkeyIndex)
}

// HandleDisconnect removes a connection's state. If the connection was
// authenticated and still the current entry in the pubkey index, its
// departure is broadcast. Calling it twice for the same connection produces
// exactly one peer_leave.
func (r *Room) HandleDisconnect(conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

func (r *Room) removeLocked(conn types.ClientConn) {
	c, ok := r.clients[conn]
	if !ok {
		return
	}
	delete(r.clients, conn)

	if c.authenticated() && r.pubkeyIndex[c.pubkey] == conn {
		delete(r.pubkeyIndex, c.pubkey)
		r.broadcastLocked(conn, types.PeerLeaveMessage{
			Type:   types.MsgPeerLeave,
			MsgID:  r.nextMsgIDLocked(),
			Pubkey: c.pubkey,
		}, "")
		r.updatePlayerGaugeLocked()
		logging.Info(context.Background(), "Peer left",
			zap.Int("mapId", r.mapID), zap.String("pubkey", logging.RedactPubkey(c.pubkey)))
	}
}

// CleanupInactive evicts clients idle longer than maxIdle. Eviction happens
// on a snapshot, never during iteration.
func (r *Room) CleanupInactive(maxIdle time.Duration) {
	r.mu.Lock()
	cutoff := r.now().Add(-maxIdle)
	var stale []types.ClientConn
	for conn, c := range r.clients {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		r.removeLocked(conn)
	}
	r.mu.Unlock()

	// Close transports outside the lock; their close handlers re-enter
	// HandleDisconnect, which is idempotent.
	for _, conn := range stale {
		conn.Disconnect()
	}
}

// Destroy closes all transports and clears both indices.
func (r *Room) Destroy() {
	r.mu.Lock()
	conns := make([]types.ClientConn, 0, len(r.clients))
	for conn := range r.clients {
		conns = append(conns, conn)
	}
	r.clients = make(map[types.ClientConn]*client)
	r.pubkeyIndex = make(map[string]types.ClientConn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}

	if r.busCancel != nil {
		r.busCancel()
		r.busWG.Wait()
	}

	metrics.RoomPlayers.DeleteLabelValues(strconv.Itoa(r.mapID))
}

// BroadcastGameEvent fans a game event out to every authenticated client
// and mirrors it across nodes.
func (r *Room) BroadcastGameEvent(event string, data json.RawMessage) {
	r.mu.Lock()
	msg := types.GameEventMessage{
		Type:  types.MsgGameEvent,
		MsgID: r.nextMsgIDLocked(),
		Event: event,
		Data:  data,
	}
	raw := r.broadcastLocked(nil, msg, "")
	r.mu.Unlock()

	r.mirror(types.MsgGameEvent, raw)
}

// --- internals (all *Locked methods require r.mu) ---

func (r *Room) nextMsgIDLocked() uint64 {
	r.msgID++
	return r.msgID
}

// broadcastLocked marshals msg once and delivers it to every authenticated
// client other than sender. A non-empty cell applies the AOI predicate.
// Returns the serialized form for optional mirroring.
func (r *Room) broadcastLocked(sender types.ClientConn, msg any, cell string) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal broadcast", zap.Int("mapId", r.mapID), zap.Error(err))
		return nil
	}

	for conn, c := range r.clients {
		if conn == sender || !c.authenticated() {
			continue
		}
		if cell != "" && !c.wantsCell(cell) {
			continue
		}
		// Send failures are the transport's problem; its close event cleans up.
		conn.SendRaw(data)
	}
	return data
}

// broadcastRawLocked delivers pre-serialized data to all authenticated clients.
func (r *Room) broadcastRawLocked(data []byte) {
	for conn, c := range r.clients {
		if c.authenticated() {
			conn.SendRaw(data)
		}
	}
}

func (r *Room) peersLocked(except types.ClientConn) []types.PeerSnapshot {
	peers := make([]types.PeerSnapshot, 0, len(r.pubkeyIndex))
	for conn, c := range r.clients {
		if conn == except || !c.authenticated() {
			continue
		}
		peers = append(peers, c.snapshot())
	}
	return peers
}

func (r *Room) updatePlayerGaugeLocked() {
	label := strconv.Itoa(r.mapID)
	if n := len(r.pubkeyIndex); n > 0 {
		metrics.RoomPlayers.WithLabelValues(label).Set(float64(n))
	} else {
		metrics.RoomPlayers.DeleteLabelValues(label)
	}
}

// mirror publishes a serialized broadcast to peer nodes serving this map.
// position updates are AOI-scoped and node-local, so callers never mirror them.
func (r *Room) mirror(event string, data []byte) {
	if r.bus == nil || data == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), r.mapID, event, data, r.nodeID); err != nil {
		logging.Warn(context.Background(), "Bus mirror failed", zap.Int("mapId", r.mapID), zap.Error(err))
	}
}

func (r *Room) handleBusPayload(p bus.Payload) {
	if p.SenderID == r.nodeID {
		return // our own echo
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastRawLocked(p.Data)
}
