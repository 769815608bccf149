package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openworld-labs/gridsync/internal/v1/bus"
	"github.com/openworld-labs/gridsync/internal/v1/types"
)

// mockConn implements types.ClientConn and records everything sent to it.
type mockConn struct {
	mu           sync.Mutex
	sent         []any
	priority     []any
	raw          [][]byte
	disconnected bool
}

func (m *mockConn) Send(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, v)
}

func (m *mockConn) SendPriority(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = append(m.priority, v)
}

func (m *mockConn) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, data)
}

func (m *mockConn) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockConn) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// rawMessages decodes every raw broadcast the connection received.
func (m *mockConn) rawMessages() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.raw))
	for _, data := range m.raw {
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out = append(out, decoded)
		}
	}
	return out
}

// rawOfType filters decoded raw broadcasts by message type.
func (m *mockConn) rawOfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, msg := range m.rawMessages() {
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockConn) lastPriority() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.priority) == 0 {
		return nil
	}
	return m.priority[len(m.priority)-1]
}

func (m *mockConn) prioritySnapshot() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.priority...)
}

func (m *mockConn) sentSnapshot() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

// stubVerifier accepts any response whose payload equals "valid".
type stubVerifier struct{}

func (stubVerifier) VerifyAuthResponse(_, _, signedPayload string) bool {
	return signedPayload == "valid"
}

// mockBus implements types.BusService and records publishes.
type mockBus struct {
	mu        sync.Mutex
	published []bus.Payload
	handlers  map[int]func(bus.Payload)
}

func newMockBus() *mockBus {
	return &mockBus{handlers: make(map[int]func(bus.Payload))}
}

func (m *mockBus) Publish(_ context.Context, mapID int, event string, data []byte, senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, bus.Payload{MapID: mapID, Event: event, Data: data, SenderID: senderID})
	return nil
}

func (m *mockBus) Subscribe(_ context.Context, mapID int, _ *sync.WaitGroup, handler func(bus.Payload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[mapID] = handler
}

func (m *mockBus) Ping(context.Context) error { return nil }
func (m *mockBus) Close() error               { return nil }

func (m *mockBus) deliver(p bus.Payload) {
	m.mu.Lock()
	h := m.handlers[p.MapID]
	m.mu.Unlock()
	if h != nil {
		h(p)
	}
}

func (m *mockBus) publishedSnapshot() []bus.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bus.Payload(nil), m.published...)
}

var _ types.ClientConn = (*mockConn)(nil)
var _ types.BusService = (*mockBus)(nil)
