package bridge

import (
	"sort"
	"sync"
	"time"
)

const (
	// transitionBufferSize is the number of state transitions kept per session.
	transitionBufferSize = 50
	// closedRetention is the number of closed sessions kept for inspection.
	closedRetention = 100
)

// Status is a point-in-time copy of a session's externally visible state.
type Status struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	Port      int       `json:"port"`
	SourceIP  string    `json:"source_ip,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
	LastError string    `json:"last_error,omitempty"`
}

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type trackedEntry struct {
	status      Status
	counters    *Counters
	transitions [transitionBufferSize]StateTransition // ring buffer
	head        int
	count       int
}

func (e *trackedEntry) record(tr StateTransition) {
	e.transitions[e.head] = tr
	e.head = (e.head + 1) % transitionBufferSize
	if e.count < transitionBufferSize {
		e.count++
	}
}

// history returns the transitions oldest first.
func (e *trackedEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < transitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// snapshot returns the status with live byte counts.
func (e *trackedEntry) snapshot() Status {
	st := e.status
	if e.counters != nil {
		st.BytesIn = e.counters.BytesIn()
		st.BytesOut = e.counters.BytesOut()
	}
	return st
}

// Tracker answers status queries about sessions. Sessions push copies of
// their status into it on every state change; it never holds a Session and
// cannot act on one. A nil *Tracker discards everything.
type Tracker struct {
	mu     sync.RWMutex
	live   map[string]*trackedEntry
	closed []*trackedEntry // oldest first, capped at closedRetention
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*trackedEntry)}
}

func (t *Tracker) publish(st Status, counters *Counters, tr StateTransition) {
	if t == nil {
		return
	}

	t.mu.Lock()
	entry, ok := t.live[st.ID]
	if !ok {
		entry = &trackedEntry{counters: counters}
		t.live[st.ID] = entry
	}
	entry.status = st
	entry.record(tr)

	if st.State == StateClosed {
		delete(t.live, st.ID)
		t.closed = append(t.closed, entry)
		if len(t.closed) > closedRetention {
			t.closed = t.closed[len(t.closed)-closedRetention:]
		}
	}
	t.mu.Unlock()
}

// List returns live sessions ordered by creation time, followed by the
// retained closed sessions, most recently closed first.
func (t *Tracker) List() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Status, 0, len(t.live)+len(t.closed))
	for _, e := range t.live {
		result = append(result, e.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	for i := len(t.closed) - 1; i >= 0; i-- {
		result = append(result, t.closed[i].snapshot())
	}
	return result
}

// Get returns the status and transition history of one session.
func (t *Tracker) Get(id string) (Status, []StateTransition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.live[id]; ok {
		return e.snapshot(), e.history(), true
	}
	for _, e := range t.closed {
		if e.status.ID == id {
			return e.snapshot(), e.history(), true
		}
	}
	return Status{}, nil, false
}

// ActiveCount returns the number of sessions not yet closed.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}
