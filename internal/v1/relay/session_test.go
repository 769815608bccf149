package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackMode int

const (
	ackAccept ackMode = iota
	ackRefuse
	ackSilent
)

// fakeRelay is an in-process relay speaking the EVENT/OK/REQ/EOSE verbs.
type fakeRelay struct {
	srv *httptest.Server
	url string

	mu       sync.Mutex
	mode     ackMode
	stored   []*nostr.Event // returned for any REQ
	received []*nostr.Event
	conns    []*websocket.Conn

	// preamble frames written before the EOSE of any REQ (to exercise
	// unrelated-frame handling).
	preamble [][]any
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)

	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	return f
}

func (f *fakeRelay) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var verb string
		_ = json.Unmarshal(frame[0], &verb)

		switch verb {
		case "EVENT":
			var ev nostr.Event
			if json.Unmarshal(frame[1], &ev) != nil {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, &ev)
			mode := f.mode
			f.mu.Unlock()

			switch mode {
			case ackAccept:
				f.write(conn, []any{"OK", ev.ID, true, ""})
			case ackRefuse:
				f.write(conn, []any{"OK", ev.ID, false, "blocked"})
			case ackSilent:
			}

		case "REQ":
			var subID string
			_ = json.Unmarshal(frame[1], &subID)

			f.mu.Lock()
			stored := append([]*nostr.Event(nil), f.stored...)
			preamble := append([][]any(nil), f.preamble...)
			f.mu.Unlock()

			for _, p := range preamble {
				f.write(conn, p)
			}
			for _, ev := range stored {
				f.write(conn, []any{"EVENT", subID, ev})
			}
			f.write(conn, []any{"EOSE", subID})
		}
	}
}

func (f *fakeRelay) write(conn *websocket.Conn, frame []any) {
	data, _ := json.Marshal(frame)
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeRelay) setMode(m ackMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
}

func (f *fakeRelay) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeRelay) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func signedTestEvent(t *testing.T, content string) *nostr.Event {
	t.Helper()
	sk, err := nostr.GenerateSecretKey()
	require.NoError(t, err)
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      10311,
		Tags:      [][]string{{"t", "3d-scene-sync"}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func startSession(t *testing.T, url string) *Session {
	t.Helper()
	s := NewSession(url)
	s.Start()
	t.Cleanup(s.Destroy)
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond, "session never connected")
	return s
}

func TestSessionPublish_Accepted(t *testing.T) {
	f := newFakeRelay(t)
	s := startSession(t, f.url)

	ok := s.Publish(context.Background(), signedTestEvent(t, "hello"))

	assert.True(t, ok)
	assert.Equal(t, 1, f.receivedCount())
}

func TestSessionPublish_Refused(t *testing.T) {
	f := newFakeRelay(t)
	f.setMode(ackRefuse)
	s := startSession(t, f.url)

	ok := s.Publish(context.Background(), signedTestEvent(t, "spam"))

	assert.False(t, ok)
}

func TestSessionPublish_NoAckTimesOut(t *testing.T) {
	f := newFakeRelay(t)
	f.setMode(ackSilent)
	s := startSession(t, f.url)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ok := s.Publish(ctx, signedTestEvent(t, "void"))
	assert.False(t, ok)
}

func TestSessionPublish_NotConnected(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1") // never started
	defer s.Destroy()

	ok := s.Publish(context.Background(), signedTestEvent(t, "nope"))
	assert.False(t, ok)
}

func TestSessionPublish_DisconnectResolvesFalse(t *testing.T) {
	f := newFakeRelay(t)
	f.setMode(ackSilent)
	s := startSession(t, f.url)

	done := make(chan bool, 1)
	go func() {
		done <- s.Publish(context.Background(), signedTestEvent(t, "cut"))
	}()

	// Wait for the relay to hold the event, then cut the connection.
	require.Eventually(t, func() bool { return f.receivedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	f.dropConnections()

	select {
	case ok := <-done:
		assert.False(t, ok, "publish must resolve false on disconnect")
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not resolve after disconnect")
	}
}

func TestSessionQuery_CollectsUntilEOSE(t *testing.T) {
	f := newFakeRelay(t)
	ev1 := signedTestEvent(t, "a")
	ev2 := signedTestEvent(t, "b")
	f.stored = []*nostr.Event{ev1, ev2}
	s := startSession(t, f.url)

	events, err := s.Query(context.Background(), &nostr.Filter{Kinds: []int{10311}})

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ev1.ID, events[0].ID)
	assert.Equal(t, ev2.ID, events[1].ID)
}

func TestSessionQuery_IgnoresUnrelatedFrames(t *testing.T) {
	f := newFakeRelay(t)
	ev := signedTestEvent(t, "real")
	f.stored = []*nostr.Event{ev}
	f.preamble = [][]any{
		{"NOTICE", "slow down"},
		{"EVENT", "some-other-sub", signedTestEvent(t, "stray")},
		{"EOSE", "some-other-sub"},
	}
	s := startSession(t, f.url)

	events, err := s.Query(context.Background(), &nostr.Filter{Kinds: []int{10311}})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestSessionQuery_CancelledContext(t *testing.T) {
	f := newFakeRelay(t)
	s := startSession(t, f.url)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Query(ctx, &nostr.Filter{Kinds: []int{10311}})
	assert.Error(t, err)
}

func TestSessionReconnectState(t *testing.T) {
	f := newFakeRelay(t)
	s := startSession(t, f.url)

	f.dropConnections()

	require.Eventually(t, func() bool {
		return s.State() != StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionDestroy_Terminal(t *testing.T) {
	f := newFakeRelay(t)
	s := startSession(t, f.url)

	s.Destroy()
	s.Destroy() // idempotent

	assert.Equal(t, StateDestroyed, s.State())
	assert.False(t, s.Publish(context.Background(), signedTestEvent(t, "late")))
}
