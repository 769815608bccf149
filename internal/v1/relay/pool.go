package relay

import (
	"context"
	"sync"

	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"go.uber.org/zap"
)

// Pool fans publishes and queries out over every configured relay. Relays
// fail independently; one reachable relay keeps discovery working.
type Pool struct {
	sessions []*Session
}

// NewPool builds sessions for the given relay URLs. Nothing is dialed until
// Start.
func NewPool(urls []string) *Pool {
	sessions := make([]*Session, 0, len(urls))
	for _, u := range urls {
		sessions = append(sessions, NewSession(u))
	}
	return &Pool{sessions: sessions}
}

// Sessions exposes the underlying sessions (health checks, tests).
func (p *Pool) Sessions() []*Session {
	return p.sessions
}

// Start begins connecting every session.
func (p *Pool) Start() {
	for _, s := range p.sessions {
		s.Start()
	}
}

// ConnectedCount returns how many sessions currently hold a live connection.
func (p *Pool) ConnectedCount() int {
	n := 0
	for _, s := range p.sessions {
		if s.State() == StateConnected {
			n++
		}
	}
	return n
}

// Publish sends the event to every relay concurrently and returns the number
// of accepting acknowledgments.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) int {
	var wg sync.WaitGroup
	accepted := make([]bool, len(p.sessions))

	for i, s := range p.sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			accepted[i] = s.Publish(ctx, ev)
		}(i, s)
	}
	wg.Wait()

	n := 0
	for _, ok := range accepted {
		if ok {
			n++
		}
	}
	if n == 0 && len(p.sessions) > 0 {
		logging.Warn(ctx, "Event accepted by no relay", zap.String("eventId", ev.ID))
	}
	return n
}

// Query runs the filter on every relay concurrently and merges the results,
// deduplicated by event id.
func (p *Pool) Query(ctx context.Context, filter *nostr.Filter) []*nostr.Event {
	var wg sync.WaitGroup
	results := make([][]*nostr.Event, len(p.sessions))

	for i, s := range p.sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			events, err := s.Query(ctx, filter)
			if err != nil && len(events) == 0 {
				logging.Warn(ctx, "Relay query failed",
					zap.String("relay", s.URL()), zap.Error(err))
				return
			}
			results[i] = events
		}(i, s)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var merged []*nostr.Event
	for _, events := range results {
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}
	return merged
}

// Destroy terminates every session.
func (p *Pool) Destroy() {
	for _, s := range p.sessions {
		s.Destroy()
	}
}
