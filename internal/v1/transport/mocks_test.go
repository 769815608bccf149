package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/types"
)

// fakeConn is a scripted wsConnection: reads come from a channel, writes are
// recorded.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	reads    chan fakeFrame
	readErr  error
	writeErr error
}

type fakeFrame struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan fakeFrame, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.reads
	if !ok {
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, errors.New("connection closed")
	}
	return frame.messageType, frame.data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) writtenSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// waitForWrites polls until the connection has at least n writes or the
// timeout passes.
func (f *fakeConn) waitForWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(f.writtenSnapshot()) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(f.writtenSnapshot()) >= n
}

// mockRoomer records messages dispatched into the room layer.
type mockRoomer struct {
	mu            sync.Mutex
	mapID         int
	messages      []*types.ClientMessage
	disconnects   int
	disconnectsCh chan struct{}
}

func newMockRoomer(mapID int) *mockRoomer {
	return &mockRoomer{mapID: mapID, disconnectsCh: make(chan struct{}, 4)}
}

func (m *mockRoomer) MapID() int { return m.mapID }

func (m *mockRoomer) HandleMessage(_ context.Context, _ types.ClientConn, msg *types.ClientMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockRoomer) HandleDisconnect(types.ClientConn) {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	select {
	case m.disconnectsCh <- struct{}{}:
	default:
	}
}

func (m *mockRoomer) messagesSnapshot() []*types.ClientMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.ClientMessage(nil), m.messages...)
}

// mockRouter implements types.RoomRouter over a fixed served set.
type mockRouter struct {
	mu         sync.Mutex
	served     map[int]bool
	roomers    map[int]*mockRoomer
	total      int
	refuseJoin bool
}

func newMockRouter(served ...int) *mockRouter {
	r := &mockRouter{served: make(map[int]bool), roomers: make(map[int]*mockRoomer)}
	for _, id := range served {
		r.served[id] = true
	}
	return r
}

func (r *mockRouter) IsMapServed(mapID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served[mapID]
}

func (r *mockRouter) AddConnection(_ types.ClientConn, mapID int) (types.Roomer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuseJoin {
		return nil, false
	}
	rm, ok := r.roomers[mapID]
	if !ok {
		rm = newMockRoomer(mapID)
		r.roomers[mapID] = rm
	}
	return rm, true
}

func (r *mockRouter) roomer(mapID int) *mockRoomer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomers[mapID]
}

func (r *mockRouter) GetTotalPlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

var _ wsConnection = (*fakeConn)(nil)
var _ types.Roomer = (*mockRoomer)(nil)
var _ types.RoomRouter = (*mockRouter)(nil)
