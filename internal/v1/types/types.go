package types

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openworld-labs/gridsync/internal/v1/bus"
)

// --- Core Domain Types ---

// Pubkey is a hex-encoded public identity; the stable identifier for a
// client across reconnects.
type Pubkey string

// Client message types.
const (
	MsgAuth           = "auth"
	MsgAuthResponse   = "auth_response"
	MsgPosition       = "position"
	MsgSubscribeCells = "subscribe_cells"
	MsgChat           = "chat"
	MsgDM             = "dm"
	MsgEmoji          = "emoji"
	MsgJoin           = "join"
	MsgPing           = "ping"
)

// Server message types.
const (
	MsgAuthChallenge = "auth_challenge"
	MsgWelcome       = "welcome"
	MsgPeerJoin      = "peer_join"
	MsgPeerLeave     = "peer_leave"
	MsgPeerPosition  = "peer_position"
	MsgPeerChat      = "peer_chat"
	MsgPeerDM        = "peer_dm"
	MsgPeerEmoji     = "peer_emoji"
	MsgGameEvent     = "game_event"
	MsgError         = "error"
	MsgPong          = "pong"
)

// Error codes surfaced to clients.
const (
	CodeCapacity     = "CAPACITY"
	CodeTimeout      = "TIMEOUT"
	CodeInvalidMap   = "INVALID_MAP"
	CodeMapNotServed = "MAP_NOT_SERVED"
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeAuthFailed   = "AUTH_FAILED"
	CodeReplaced     = "REPLACED"
	CodeJoinFailed   = "JOIN_FAILED"
)

// ClientMessage is the tagged inbound record. Exactly one group of fields is
// meaningful for a given Type; dispatch happens in one place (the Room).
type ClientMessage struct {
	Type string `json:"type"`

	// auth
	Pubkey string `json:"pubkey,omitempty"`
	MapID  *int   `json:"mapId,omitempty"`

	// auth_response
	Signature string `json:"signature,omitempty"`

	// position
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	Z          float64 `json:"z,omitempty"`
	RY         float64 `json:"ry,omitempty"`
	Animation  string  `json:"animation,omitempty"`
	Expression string  `json:"expression,omitempty"`

	// subscribe_cells
	Cells []string `json:"cells,omitempty"`

	// chat / dm
	Text string `json:"text,omitempty"`
	To   string `json:"to,omitempty"`

	// emoji
	Emoji string `json:"emoji,omitempty"`

	// join
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

// --- Server → client messages ---

// Position is a snapshot of a client's location.
type Position struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RY float64 `json:"ry"`
}

// PeerSnapshot describes one authenticated peer in a welcome message.
type PeerSnapshot struct {
	Pubkey   string          `json:"pubkey"`
	Position Position        `json:"position"`
	Avatar   json.RawMessage `json:"avatar,omitempty"`
}

type AuthChallengeMessage struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

type WelcomeMessage struct {
	Type  string         `json:"type"`
	Peers []PeerSnapshot `json:"peers"`
	MapID int            `json:"mapId"`
}

type PeerJoinMessage struct {
	Type   string          `json:"type"`
	MsgID  uint64          `json:"msgId"`
	Pubkey string          `json:"pubkey"`
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

type PeerLeaveMessage struct {
	Type   string `json:"type"`
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
}

type PeerPositionMessage struct {
	Type       string  `json:"type"`
	MsgID      uint64  `json:"msgId"`
	Pubkey     string  `json:"pubkey"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	RY         float64 `json:"ry"`
	Animation  string  `json:"animation,omitempty"`
	Expression string  `json:"expression,omitempty"`
}

type PeerChatMessage struct {
	Type   string `json:"type"`
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Text   string `json:"text"`
}

type PeerDMMessage struct {
	Type   string `json:"type"`
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Text   string `json:"text"`
}

type PeerEmojiMessage struct {
	Type   string `json:"type"`
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Emoji  string `json:"emoji"`
}

type GameEventMessage struct {
	Type  string          `json:"type"`
	MsgID uint64          `json:"msgId"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Message: message, Code: code}
}

func NewPong() PongMessage {
	return PongMessage{Type: MsgPong}
}

// --- Shared Interfaces ---

// ClientConn is the behavior the room layer needs from a WebSocket client.
// This keeps the room package independent of the transport package.
type ClientConn interface {
	// Send marshals v and enqueues it on the normal outbound channel.
	Send(v any)
	// SendPriority enqueues on the priority channel (auth, errors, welcome).
	SendPriority(v any)
	// SendRaw enqueues pre-serialized data (fan-out marshals once).
	SendRaw(data []byte)
	// Disconnect closes the connection; safe to call more than once.
	Disconnect()
}

// Roomer is the room behavior the transport layer needs.
type Roomer interface {
	MapID() int
	HandleMessage(ctx context.Context, conn ClientConn, msg *ClientMessage)
	HandleDisconnect(conn ClientConn)
}

// RoomRouter is the manager behavior the front door needs.
type RoomRouter interface {
	IsMapServed(mapID int) bool
	AddConnection(conn ClientConn, mapID int) (Roomer, bool)
	GetTotalPlayerCount() int
}

// BusService mirrors room broadcasts across nodes serving the same map.
type BusService interface {
	Publish(ctx context.Context, mapID int, event string, data []byte, senderID string) error
	Subscribe(ctx context.Context, mapID int, wg *sync.WaitGroup, handler func(bus.Payload))
	Ping(ctx context.Context) error
	Close() error
}
