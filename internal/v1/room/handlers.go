package room

import (
	"context"

	"github.com/openworld-labs/gridsync/internal/v1/auth"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/spatial"
	"github.com/openworld-labs/gridsync/internal/v1/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const (
	maxChatLength  = 500
	maxEmojiLength = 16
)

// HandleMessage dispatches one inbound client message. All room mutation is
// serialized behind the room mutex; malformed input is silently ignored.
func (r *Room) HandleMessage(ctx context.Context, conn types.ClientConn, msg *types.ClientMessage) {
	if msg == nil || msg.Type == "" {
		return
	}

	timer := prometheus.NewTimer(metrics.MessageProcessingDuration.WithLabelValues(msg.Type))
	defer timer.ObserveDuration()

	// Effects that must run outside the lock.
	var toClose types.ClientConn
	var mirrorEvent string
	var mirrorData []byte
	var hook GameEventHook
	var hookPubkey string

	r.mu.Lock()
	c, ok := r.clients[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.lastActivity = r.now()

	status := "ok"
	switch {
	case msg.Type == types.MsgPing:
		conn.Send(types.NewPong())

	case c.state == stateAwaitAuth:
		if msg.Type == types.MsgAuth && msg.Pubkey != "" {
			r.handleAuthLocked(c, msg)
		} else {
			conn.SendPriority(types.NewError(types.CodeAuthRequired, "authenticate first"))
			status = "rejected"
		}

	case c.state == stateAwaitResponse:
		if msg.Type == types.MsgAuthResponse {
			toClose = r.handleAuthResponseLocked(ctx, c, msg)
			if c.state == stateClosed {
				status = "rejected"
			}
		} else {
			conn.SendPriority(types.NewError(types.CodeAuthRequired, "authenticate first"))
			status = "rejected"
		}

	case c.state == stateAuthenticated:
		switch msg.Type {
		case types.MsgPosition:
			r.handlePositionLocked(c, msg)
		case types.MsgSubscribeCells:
			c.subscribedCells = set.New(spatial.ValidateCells(msg.Cells)...)
		case types.MsgChat:
			mirrorEvent, mirrorData = r.handleChatLocked(c, msg)
		case types.MsgDM:
			r.handleDMLocked(c, msg)
		case types.MsgEmoji:
			mirrorEvent, mirrorData = r.handleEmojiLocked(c, msg)
		case types.MsgJoin:
			r.handleJoinLocked(c, msg)
		case types.MsgAuth, types.MsgAuthResponse:
			// Duplicate handshake after authentication is ignored.
			status = "ignored"
		default:
			status = "ignored"
		}
		if status == "ok" {
			hook, hookPubkey = r.hook, c.pubkey
		}

	default:
		status = "ignored"
	}
	r.mu.Unlock()

	metrics.WebsocketEvents.WithLabelValues(msg.Type, status).Inc()

	if toClose != nil {
		toClose.Disconnect()
	}
	if mirrorData != nil {
		r.mirror(mirrorEvent, mirrorData)
	}
	if hook != nil {
		hook(r.mapID, hookPubkey, msg)
	}
}

// handleAuthLocked runs the AWAIT_AUTH → AWAIT_RESPONSE transition.
func (r *Room) handleAuthLocked(c *client, msg *types.ClientMessage) {
	challenge, err := auth.GenerateChallenge()
	if err != nil {
		logging.Error(context.Background(), "Failed to generate auth challenge", zap.Error(err))
		return
	}

	c.pubkey = msg.Pubkey
	c.challenge = challenge
	c.state = stateAwaitResponse

	c.conn.SendPriority(types.AuthChallengeMessage{
		Type:      types.MsgAuthChallenge,
		Challenge: challenge,
	})
}

// handleAuthResponseLocked runs the AWAIT_RESPONSE transitions. It returns a
// displaced connection to close outside the lock, or nil.
func (r *Room) handleAuthResponseLocked(ctx context.Context, c *client, msg *types.ClientMessage) types.ClientConn {
	if !r.verifier.VerifyAuthResponse(c.pubkey, c.challenge, msg.Signature) {
		c.conn.SendPriority(types.NewError(types.CodeAuthFailed, "authentication failed"))
		c.state = stateClosed
		delete(r.clients, c.conn)
		logging.Warn(ctx, "Auth failed",
			zap.Int("mapId", r.mapID), zap.String("pubkey", logging.RedactPubkey(c.pubkey)))
		return c.conn
	}

	// Reconnect displacement: the departing connection's peer_leave must be
	// broadcast before the new connection's peer_join, and the stale entry
	// must be gone before we install ours so its close handler cannot delete
	// the new index entry.
	var displaced types.ClientConn
	if old, exists := r.pubkeyIndex[c.pubkey]; exists && old != c.conn {
		old.SendPriority(types.NewError(types.CodeReplaced, "replaced by a newer connection"))
		r.removeLocked(old)
		displaced = old
	}

	c.state = stateAuthenticated
	c.challenge = ""
	r.pubkeyIndex[c.pubkey] = c.conn
	r.updatePlayerGaugeLocked()

	c.conn.SendPriority(types.WelcomeMessage{
		Type:  types.MsgWelcome,
		Peers: r.peersLocked(c.conn),
		MapID: r.mapID,
	})

	r.broadcastLocked(c.conn, types.PeerJoinMessage{
		Type:   types.MsgPeerJoin,
		MsgID:  r.nextMsgIDLocked(),
		Pubkey: c.pubkey,
		Avatar: c.avatar,
	}, "")

	logging.Info(ctx, "Peer authenticated",
		zap.Int("mapId", r.mapID), zap.String("pubkey", logging.RedactPubkey(c.pubkey)))
	return displaced
}

func (r *Room) handlePositionLocked(c *client, msg *types.ClientMessage) {
	c.position = types.Position{X: msg.X, Y: msg.Y, Z: msg.Z, RY: msg.RY}
	c.animation = msg.Animation
	c.expression = msg.Expression
	c.cell = spatial.CellFromPosition(msg.X, msg.Z)

	r.broadcastLocked(c.conn, types.PeerPositionMessage{
		Type:       types.MsgPeerPosition,
		MsgID:      r.nextMsgIDLocked(),
		Pubkey:     c.pubkey,
		X:          msg.X,
		Y:          msg.Y,
		Z:          msg.Z,
		RY:         msg.RY,
		Animation:  msg.Animation,
		Expression: msg.Expression,
	}, c.cell)
}

func (r *Room) handleChatLocked(c *client, msg *types.ClientMessage) (string, []byte) {
	text := truncate(msg.Text, maxChatLength)
	if text == "" {
		return "", nil
	}

	data := r.broadcastLocked(c.conn, types.PeerChatMessage{
		Type:   types.MsgPeerChat,
		MsgID:  r.nextMsgIDLocked(),
		Pubkey: c.pubkey,
		Text:   text,
	}, "")
	return types.MsgPeerChat, data
}

func (r *Room) handleDMLocked(c *client, msg *types.ClientMessage) {
	target, exists := r.pubkeyIndex[msg.To]
	if !exists {
		return // unknown target: no bounce, no error
	}

	target.Send(types.PeerDMMessage{
		Type:   types.MsgPeerDM,
		MsgID:  r.nextMsgIDLocked(),
		Pubkey: c.pubkey,
		Text:   truncate(msg.Text, maxChatLength),
	})
}

func (r *Room) handleEmojiLocked(c *client, msg *types.ClientMessage) (string, []byte) {
	emoji := truncate(msg.Emoji, maxEmojiLength)
	if emoji == "" {
		return "", nil
	}

	data := r.broadcastLocked(c.conn, types.PeerEmojiMessage{
		Type:   types.MsgPeerEmoji,
		MsgID:  r.nextMsgIDLocked(),
		Pubkey: c.pubkey,
		Emoji:  emoji,
	}, "")
	return types.MsgPeerEmoji, data
}

func (r *Room) handleJoinLocked(c *client, msg *types.ClientMessage) {
	c.avatar = msg.Avatar

	r.broadcastLocked(c.conn, types.PeerJoinMessage{
		Type:   types.MsgPeerJoin,
		MsgID:  r.nextMsgIDLocked(),
		Pubkey: c.pubkey,
		Avatar: c.avatar,
	}, "")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
