// Package stream delivers per-run event feeds to connected clients.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/model"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is disconnected rather than allowed to block
// publishers.
const subscriberBuffer = 64

// Subscription is one client's live feed for a run. Events arrive in
// publish order; delivery is at-least-once, so consumers deduplicate by
// (run_id, sequence). Closed signals the feed will produce nothing more.
type Subscription struct {
	Events <-chan model.RunEvent
	Closed <-chan struct{}

	id     int
	runID  string
	events chan model.RunEvent
	closed chan struct{}
	once   sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.closed) })
}

// Streamer fans out run events to subscribers keyed by run ID. Publishing
// never blocks: a slow subscriber is dropped, and clients recover missed
// events from the run's persisted step history on reconnect.
type Streamer struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]*Subscription
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewStreamer builds a streamer; logger and metrics may be nil.
func NewStreamer(logger *zap.Logger, metrics *observability.Metrics) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		subs:    make(map[string]map[int]*Subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a client for a run's events, optionally seeding the
// feed with a backlog snapshot so late subscribers see current state before
// live events.
func (s *Streamer) Subscribe(runID string, backlog []model.RunEvent) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{
		id:     s.nextID,
		runID:  runID,
		events: make(chan model.RunEvent, subscriberBuffer+len(backlog)),
		closed: make(chan struct{}),
	}
	sub.Events = sub.events
	sub.Closed = sub.closed

	for _, ev := range backlog {
		sub.events <- ev
	}

	if s.subs[runID] == nil {
		s.subs[runID] = make(map[int]*Subscription)
	}
	s.subs[runID][sub.id] = sub

	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
	}
	return sub
}

// Unsubscribe removes a client. Safe to call more than once.
func (s *Streamer) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(sub)
}

// remove must be called with the lock held.
func (s *Streamer) remove(sub *Subscription) {
	group, ok := s.subs[sub.runID]
	if !ok {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	if len(group) == 0 {
		delete(s.subs, sub.runID)
	}
	sub.close()
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Dec()
	}
}

// Publish delivers an event to every subscriber of its run. Subscribers
// whose buffers are full are dropped.
func (s *Streamer) Publish(ev model.RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStreamEvent(ev.Kind)
	}

	for _, sub := range s.subs[ev.RunID] {
		select {
		case sub.events <- ev:
		default:
			s.logger.Warn("dropping slow event stream subscriber",
				zap.String("run_id", ev.RunID), zap.Int("subscriber", sub.id))
			if s.metrics != nil {
				s.metrics.StreamDroppedClients.Inc()
			}
			s.remove(sub)
		}
	}
}

// CloseRun disconnects every subscriber of a run, used when the run reaches
// a terminal status.
func (s *Streamer) CloseRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs[runID] {
		s.remove(sub)
	}
}

// Subscribers reports the current subscriber count for a run.
func (s *Streamer) Subscribers(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[runID])
}
