package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// sendBuffer holds normal broadcasts; overflow drops the message.
	sendBuffer = 256
	// priorityBuffer holds protocol-critical messages (auth, errors,
	// welcome); overflow closes the connection because the client's view
	// of the protocol is broken without them.
	priorityBuffer = 64

	writeWait = 10 * time.Second
)

// wsConnection is the subset of *websocket.Conn the client uses; tests
// substitute their own.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket connection. It implements types.ClientConn: the
// room layer enqueues outbound messages here and the two pumps move bytes.
type Client struct {
	conn wsConnection
	room types.Roomer

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	send         chan []byte
	prioritySend chan []byte
}

func newClient(conn wsConnection) *Client {
	return &Client{
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		prioritySend: make(chan []byte, priorityBuffer),
	}
}

// Send marshals v onto the normal outbound channel. A full channel drops the
// message: a slow consumer loses broadcasts, never blocks the room.
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(c.send, data, false)
}

// SendPriority marshals v onto the priority channel. Overflow disconnects.
func (c *Client) SendPriority(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal priority message", zap.Error(err))
		return
	}
	c.enqueue(c.prioritySend, data, true)
}

// SendRaw enqueues pre-serialized data on the normal channel.
func (c *Client) SendRaw(data []byte) {
	c.enqueue(c.send, data, false)
}

func (c *Client) enqueue(ch chan []byte, data []byte, priority bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// The channel may be closed concurrently by Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closed client", zap.Any("panic", r))
		}
	}()

	select {
	case ch <- data:
	default:
		if priority {
			logging.Error(context.Background(), "Priority channel full - closing connection")
			c.Disconnect()
		} else {
			logging.Warn(context.Background(), "Send channel full - dropping message")
		}
	}
}

// Disconnect closes the outbound channels, which drives the writePump to
// drain, send a close frame and close the socket. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.send)
		close(c.prioritySend)
	})
}

// readPump decodes inbound frames and hands them to the room. It owns the
// connection teardown: when the read loop exits for any reason the room is
// told and the socket closed.
func (c *Client) readPump() {
	defer func() {
		if c.room != nil {
			c.room.HandleDisconnect(c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal client message", zap.Error(err))
			continue
		}

		c.room.HandleMessage(context.Background(), c, &msg)
	}
}

// writePump writes queued frames, draining the priority channel first.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(message) {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(message) {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.Error(context.Background(), "Error writing message", zap.Error(err))
		return false
	}
	return true
}
