// Package transport is the WebSocket front door: it rate-limits and upgrades
// inbound connections, holds them in a pending state until their first auth
// message names a map, then routes them into the room layer.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/ratelimit"
	"github.com/openworld-labs/gridsync/internal/v1/types"
	"github.com/openworld-labs/gridsync/internal/v1/worldmap"
	"go.uber.org/zap"
)

// PendingTimeout is how long an upgraded connection may sit without sending
// its auth message before it is dropped.
const PendingTimeout = 10 * time.Second

// FrontDoor accepts WebSocket connections and routes them into rooms.
type FrontDoor struct {
	router         types.RoomRouter
	rateLimiter    *ratelimit.RateLimiter
	maxPlayers     int
	allowedOrigins []string
	pendingTimeout time.Duration

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewFrontDoor wires the front door. rateLimiter may be nil (tests, dev).
func NewFrontDoor(router types.RoomRouter, rateLimiter *ratelimit.RateLimiter, maxPlayers int, allowedOrigins []string) *FrontDoor {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	return &FrontDoor{
		router:         router,
		rateLimiter:    rateLimiter,
		maxPlayers:     maxPlayers,
		allowedOrigins: allowedOrigins,
		pendingTimeout: PendingTimeout,
	}
}

// ServeWs handles GET /ws: rate limit, origin check, upgrade, then the
// pending phase.
func (f *FrontDoor) ServeWs(c *gin.Context) {
	if f.closed.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	if f.rateLimiter != nil && !f.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	if err := validateOrigin(c.Request, f.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, f.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.handlePending(conn)
	}()
}

// handlePending owns a fresh connection until its first auth message routes
// it into a room, at which point the pumps take over. Runs on its own
// goroutine; no pumps exist yet, so direct reads and writes are safe.
func (f *FrontDoor) handlePending(conn *websocket.Conn) {
	ctx := context.Background()
	metrics.PendingConnections.Inc()
	defer metrics.PendingConnections.Dec()

	// Capacity gate before the client spends effort on the handshake.
	if f.router.GetTotalPlayerCount() >= f.maxPlayers {
		f.refuse(conn, types.NewError(types.CodeCapacity, "node at capacity"))
		return
	}

	// The deadline covers the whole pending phase; pings do not extend it.
	deadline := time.Now().Add(f.pendingTimeout)
	_ = conn.SetReadDeadline(deadline)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if netTimeout(err) {
				f.refuse(conn, types.NewError(types.CodeTimeout, "no auth message received"))
			} else {
				_ = conn.Close()
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(ctx, "Malformed message from pending connection", zap.Error(err))
			continue
		}

		switch msg.Type {
		case types.MsgPing:
			f.writeDirect(conn, types.NewPong())

		case types.MsgAuth:
			f.route(ctx, conn, &msg)
			return

		default:
			f.writeDirect(conn, types.NewError(types.CodeAuthRequired, "authenticate first"))
		}
	}
}

// route validates the requested map and hands the connection to the room
// layer. On success the pumps are started and the auth message replayed so
// the room's state machine issues the challenge.
func (f *FrontDoor) route(ctx context.Context, conn *websocket.Conn, msg *types.ClientMessage) {
	mapID := 0
	if msg.MapID != nil {
		mapID = *msg.MapID
	}

	if !worldmap.ValidMapID(mapID) {
		f.refuse(conn, types.NewError(types.CodeInvalidMap, "map id out of range"))
		return
	}
	if !f.router.IsMapServed(mapID) {
		f.refuse(conn, types.NewError(types.CodeMapNotServed, "map not served by this node"))
		return
	}

	client := newClient(conn)
	roomer, ok := f.router.AddConnection(client, mapID)
	if !ok {
		f.refuse(conn, types.NewError(types.CodeJoinFailed, "could not join map"))
		return
	}
	client.room = roomer

	_ = conn.SetReadDeadline(time.Time{})
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	// Replay so the room sees the auth message that opened the connection.
	roomer.HandleMessage(ctx, client, msg)

	logging.Info(ctx, "Connection routed",
		zap.Int("mapId", mapID), zap.String("pubkey", logging.RedactPubkey(msg.Pubkey)))
}

// refuse writes one final error frame and closes the connection.
func (f *FrontDoor) refuse(conn *websocket.Conn, errMsg types.ErrorMessage) {
	f.writeDirect(conn, errMsg)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, errMsg.Code),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (f *FrontDoor) writeDirect(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown stops accepting new connections and waits for the pending phase
// of in-flight ones to finish. Routed connections belong to their rooms.
func (f *FrontDoor) Shutdown(ctx context.Context) error {
	f.closed.Store(true)

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
