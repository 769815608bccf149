// Package relay maintains persistent WebSocket sessions to discovery relays:
// publish-with-ack for signed events, REQ/EOSE subscription queries, and
// automatic reconnection. A Pool fans operations out across several relays.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/metrics"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State of one relay session.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed    // disconnected, reconnect pending
	StateDestroyed // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

const (
	// ReconnectDelay separates connection attempts; reconnects never overlap.
	ReconnectDelay = 5 * time.Second
	// PublishTimeout bounds the wait for a relay's OK acknowledgment.
	PublishTimeout = 10 * time.Second

	dialTimeout = 10 * time.Second
)

// subscription collects events for one REQ until EOSE.
type subscription struct {
	events []*nostr.Event
	done   chan struct{} // closed on EOSE or disconnect
}

// Session is one persistent relay connection. Create with NewSession, start
// with Start; the session reconnects on its own until Destroy.
type Session struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending map[string]chan bool     // event id → ack resolver
	subs    map[string]*subscription // sub id → collector

	writeMu sync.Mutex

	breaker *gobreaker.CircuitBreaker

	destroy     chan struct{}
	destroyOnce sync.Once
	started     bool
	loopDone    chan struct{}
}

// NewSession prepares a session for one relay URL. Nothing is dialed until
// Start.
func NewSession(url string) *Session {
	st := gobreaker.Settings{
		Name:        "relay:" + url,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &Session{
		url:      url,
		state:    StateConnecting,
		pending:  make(map[string]chan bool),
		subs:     make(map[string]*subscription),
		breaker:  gobreaker.NewCircuitBreaker(st),
		destroy:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// URL returns the relay endpoint this session talks to.
func (s *Session) URL() string {
	return s.url
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the connection manager goroutine.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

// run dials, serves one connection until it breaks, then waits and retries.
func (s *Session) run() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.destroy:
			return
		default:
		}

		conn, err := s.dial()
		if err != nil {
			logging.Warn(context.Background(), "Relay dial failed",
				zap.String("relay", s.url), zap.Error(err))
			if !s.sleepOrDestroy(ReconnectDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.state == StateDestroyed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()

		logging.Info(context.Background(), "Relay connected", zap.String("relay", s.url))

		s.readLoop(conn)

		// Connection lost: resolve every waiter as failed.
		s.mu.Lock()
		s.conn = nil
		if s.state != StateDestroyed {
			s.state = StateClosed
		}
		s.failPendingLocked()
		s.mu.Unlock()

		if !s.sleepOrDestroy(ReconnectDelay) {
			return
		}
		s.mu.Lock()
		if s.state != StateDestroyed {
			s.state = StateConnecting
		}
		s.mu.Unlock()
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	return conn, err
}

func (s *Session) sleepOrDestroy(d time.Duration) bool {
	select {
	case <-s.destroy:
		return false
	case <-time.After(d):
		return true
	}
}

// failPendingLocked resolves pending publishes false and finishes open
// subscriptions with whatever they collected.
func (s *Session) failPendingLocked() {
	for id, ack := range s.pending {
		select {
		case ack <- false:
		default:
		}
		delete(s.pending, id)
	}
	for id, sub := range s.subs {
		close(sub.done)
		delete(s.subs, id)
	}
}

// readLoop decodes relay frames until the connection errors. Frames that
// reference no pending publish or live subscription are dropped.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}

		var verb string
		if err := json.Unmarshal(frame[0], &verb); err != nil {
			continue
		}

		switch verb {
		case "OK":
			s.handleOK(frame)
		case "EVENT":
			s.handleEvent(frame)
		case "EOSE":
			s.handleEOSE(frame)
		case "NOTICE":
			var notice string
			if len(frame) >= 2 && json.Unmarshal(frame[1], &notice) == nil {
				logging.Warn(context.Background(), "Relay notice",
					zap.String("relay", s.url), zap.String("notice", notice))
			}
		}
	}
}

// handleOK resolves a pending publish: ["OK", <event-id>, <accepted>, <msg>].
func (s *Session) handleOK(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var eventID string
	var accepted bool
	if json.Unmarshal(frame[1], &eventID) != nil || json.Unmarshal(frame[2], &accepted) != nil {
		return
	}

	s.mu.Lock()
	ack, ok := s.pending[eventID]
	if ok {
		delete(s.pending, eventID)
	}
	s.mu.Unlock()

	if ok {
		select {
		case ack <- accepted:
		default:
		}
	}
}

// handleEvent collects a query result: ["EVENT", <sub-id>, <event>].
func (s *Session) handleEvent(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var subID string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}
	var ev nostr.Event
	if json.Unmarshal(frame[2], &ev) != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[subID]; ok {
		sub.events = append(sub.events, &ev)
	}
}

// handleEOSE finishes a query: ["EOSE", <sub-id>].
func (s *Session) handleEOSE(frame []json.RawMessage) {
	var subID string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
	}
	s.mu.Unlock()

	if ok {
		close(sub.done)
	}
}

// writeFrame serializes one client frame. Writers are serialized because the
// underlying connection supports one concurrent writer.
func (s *Session) writeFrame(frame []any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay %s not connected", s.url)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Publish sends a signed event and waits for the relay's acknowledgment.
// Returns true only on an accepting OK within PublishTimeout. The publish
// path is guarded by a per-relay circuit breaker.
func (s *Session) Publish(ctx context.Context, ev *nostr.Event) bool {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.publishOnce(ctx, ev)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("relay:" + s.url).Inc()
			metrics.RelayPublishes.WithLabelValues(s.url, "rejected").Inc()
		} else {
			metrics.RelayPublishes.WithLabelValues(s.url, "error").Inc()
		}
		return false
	}

	accepted := result.(bool)
	if accepted {
		metrics.RelayPublishes.WithLabelValues(s.url, "ok").Inc()
	} else {
		metrics.RelayPublishes.WithLabelValues(s.url, "refused").Inc()
	}
	return accepted
}

func (s *Session) publishOnce(ctx context.Context, ev *nostr.Event) (bool, error) {
	ack := make(chan bool, 1)

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false, fmt.Errorf("relay %s not connected", s.url)
	}
	s.pending[ev.ID] = ack
	s.mu.Unlock()

	if err := s.writeFrame([]any{"EVENT", ev}); err != nil {
		s.mu.Lock()
		delete(s.pending, ev.ID)
		s.mu.Unlock()
		return false, err
	}

	timer := time.NewTimer(PublishTimeout)
	defer timer.Stop()

	select {
	case accepted := <-ack:
		return accepted, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, ev.ID)
		s.mu.Unlock()
		return false, fmt.Errorf("relay %s publish timed out", s.url)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, ev.ID)
		s.mu.Unlock()
		return false, ctx.Err()
	}
}

// Query opens a one-shot subscription and collects events until EOSE, the
// context deadline, or disconnect (which returns what was collected).
func (s *Session) Query(ctx context.Context, filter *nostr.Filter) ([]*nostr.Event, error) {
	subID := uuid.NewString()
	sub := &subscription{done: make(chan struct{})}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, fmt.Errorf("relay %s not connected", s.url)
	}
	s.subs[subID] = sub
	s.mu.Unlock()

	if err := s.writeFrame([]any{"REQ", subID, filter}); err != nil {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case <-sub.done:
	case <-ctx.Done():
	case <-s.destroy:
	}

	// Best effort: tell the relay we are done with the subscription.
	_ = s.writeFrame([]any{"CLOSE", subID})

	s.mu.Lock()
	delete(s.subs, subID)
	events := sub.events
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// Destroy terminates the session permanently.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDestroyed
		conn := s.conn
		s.conn = nil
		started := s.started
		s.failPendingLocked()
		s.mu.Unlock()

		close(s.destroy)
		if conn != nil {
			_ = conn.Close()
		}
		if started {
			<-s.loopDone
		}
	})
}
