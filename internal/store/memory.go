package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/evalwatch/evaluation"
)

// subscriberBuffer is the channel capacity of each subscription.
const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore provides thread-safe storage with a publish-subscribe mechanism
// for real-time updates. Records are keyed by scope and evaluation ID.
//
// Subscribers receive events via buffered channels (buffer size 100). Events
// are sent non-blocking; if a subscriber's buffer is full, the event is dropped
// for that subscriber to prevent blocking the entire system.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Record
	states map[string]ScopeState
	now    func() time.Time

	subscribers map[chan Event]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// The store is immediately ready for use. No cleanup is required when done.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes:      make(map[string]map[string]Record),
		states:      make(map[string]ScopeState),
		now:         time.Now,
		subscribers: make(map[chan Event]struct{}),
	}
}

// ReplaceScope makes list the full content of scope and publishes an
// update event for every new or changed record and a remove event for
// every record that left the list.
//
// Evaluations without an ID are skipped; for duplicate IDs the first
// occurrence wins. A stored terminal status is kept when the list still
// reports the evaluation in flight.
func (m *MemoryStore) ReplaceScope(scope string, list []evaluation.Evaluation) {
	now := m.now()
	next := make(map[string]Record, len(list))
	for _, ev := range list {
		if ev.ID == "" {
			continue
		}
		if _, dup := next[ev.ID]; dup {
			continue
		}
		next[ev.ID] = newRecord(scope, ev, now)
	}

	var events []Event

	m.mu.Lock()
	prev := m.scopes[scope]
	for id, rec := range next {
		if old, ok := prev[id]; ok && old.Status.IsTerminal() && rec.Status.IsInFlight() {
			// the list was read before a poller saw the terminal status
			rec = newRecord(scope, evaluation.Merge(rec.Evaluation(), old.Evaluation()), now)
			next[id] = rec
		}
		if old, ok := prev[id]; ok && sameContent(old, rec) {
			continue
		}
		events = append(events, Event{Type: EventUpdate, Record: ptr(rec)})
	}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			events = append(events, Event{Type: EventRemove, Record: ptr(old)})
		}
	}
	m.scopes[scope] = next
	m.mu.Unlock()

	sortEvents(events)
	for _, e := range events {
		m.notifySubscribers(e)
	}
}

// Merge applies a status update to one record using [evaluation.Merge].
//
// No other record is read or written. When the merged record equals the
// stored one apart from CheckedAt, Merge returns false and publishes nothing.
func (m *MemoryStore) Merge(scope string, update evaluation.Evaluation) (Record, bool) {
	m.mu.Lock()
	records := m.scopes[scope]
	prev, ok := records[update.ID]
	if !ok {
		m.mu.Unlock()
		return Record{}, false
	}

	next := newRecord(scope, evaluation.Merge(prev.Evaluation(), update), m.now())
	records[update.ID] = next
	m.mu.Unlock()

	if sameContent(prev, next) {
		return next, false
	}

	m.notifySubscribers(Event{Type: EventUpdate, Record: ptr(next)})
	return next, true
}

// Scope returns a snapshot of one scope's records sorted by ID.
func (m *MemoryStore) Scope(scope string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.scopes[scope]))
	for _, rec := range m.scopes[scope] {
		records = append(records, rec)
	}
	sortRecords(records)
	return records
}

// GetAll returns a snapshot of all records sorted by scope, then ID.
//
// The returned slice is a copy; modifications do not affect the store.
func (m *MemoryStore) GetAll() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []Record
	for _, scope := range m.scopes {
		for _, rec := range scope {
			records = append(records, rec)
		}
	}
	if records == nil {
		records = []Record{}
	}
	sortRecords(records)
	return records
}

// Get returns the record with the given ID.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.scopes))
	for name := range m.scopes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if rec, ok := m.scopes[name][id]; ok {
			return rec, true
		}
	}
	return Record{}, false
}

// SetScopeState stores the scope state and notifies subscribers.
func (m *MemoryStore) SetScopeState(state ScopeState) {
	m.mu.Lock()
	m.states[state.Name] = state
	m.mu.Unlock()

	m.notifySubscribers(Event{Type: EventScope, Scope: &state})
}

// Scopes returns every scope state sorted by name.
func (m *MemoryStore) Scopes() []ScopeState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ScopeState, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// Subscribe creates a new subscription and returns a channel for receiving events.
//
// The returned channel has a buffer of 100 messages. If the buffer fills
// (slow consumer), new events are dropped for this subscriber.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
//
// After calling Unsubscribe, the channel will be closed and no further
// events will be sent. Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the event to all active subscribers without
// blocking; a full subscriber buffer drops the event for that subscriber.
func (m *MemoryStore) notifySubscribers(e Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- e:
		default:
			// subscriber is slow, drop the message
		}
	}
}

func newRecord(scope string, ev evaluation.Evaluation, checkedAt time.Time) Record {
	var progress json.RawMessage
	if len(ev.Progress) > 0 {
		progress = append(json.RawMessage(nil), ev.Progress...)
	}
	return Record{
		Scope:     scope,
		ID:        ev.ID,
		Name:      ev.Name,
		Status:    ev.Status,
		Progress:  progress,
		CreatedAt: ev.CreatedAt,
		UpdatedAt: ev.UpdatedAt,
		Polling:   ev.Status.IsInFlight(),
		CheckedAt: checkedAt,
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Scope != records[j].Scope {
			return records[i].Scope < records[j].Scope
		}
		return records[i].ID < records[j].ID
	})
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type == EventRemove
		}
		return events[i].Record.ID < events[j].Record.ID
	})
}

func ptr(r Record) *Record {
	return &r
}
