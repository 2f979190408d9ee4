// Package stats keeps process-wide counters for the dashboard backend and
// exposes them as a JSON snapshot.
package stats

import "sync"

// Stats is an aggregate counter snapshot, serialized by /api/stats.
type Stats struct {
	ConnectionsOpened int64 `json:"connections_opened"`
	ConnectionsActive int64 `json:"connections_active"`
	SessionsEnabled   int64 `json:"sessions_enabled"`
	EventsPublished   int64 `json:"events_published"`
	EventsRelayed     int64 `json:"events_relayed"`
	EventsDropped     int64 `json:"events_dropped"`
}

// Tracker accumulates counters from the transport, the sessions and the
// event bus. All methods are safe for concurrent use and cheap enough to
// call from hot paths.
type Tracker struct {
	mu sync.Mutex
	s  Stats
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) ConnOpened() {
	t.mu.Lock()
	t.s.ConnectionsOpened++
	t.s.ConnectionsActive++
	t.mu.Unlock()
}

func (t *Tracker) ConnClosed() {
	t.mu.Lock()
	t.s.ConnectionsActive--
	t.mu.Unlock()
}

func (t *Tracker) SessionEnabled() {
	t.mu.Lock()
	t.s.SessionsEnabled++
	t.mu.Unlock()
}

func (t *Tracker) EventRelayed() {
	t.mu.Lock()
	t.s.EventsRelayed++
	t.mu.Unlock()
}

// EventPublished implements event.Observer.
func (t *Tracker) EventPublished() {
	t.mu.Lock()
	t.s.EventsPublished++
	t.mu.Unlock()
}

// EventDropped implements event.Observer. The subscription id is not
// recorded; per-subscriber attribution has no consumer yet.
func (t *Tracker) EventDropped(string) {
	t.mu.Lock()
	t.s.EventsDropped++
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
