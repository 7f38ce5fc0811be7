package store

import (
	"encoding/json"
	"time"

	"github.com/jpalmerr/evalwatch/evaluation"
)

// Record is the stored view of one evaluation within one scope.
//
// Record is optimized for JSON serialization (used by the REST API and SSE)
// and is decoupled from the poller so the two can evolve independently.
type Record struct {
	// Scope is the name of the scope the evaluation was listed under.
	Scope string `json:"scope"`

	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    evaluation.Status `json:"status"`
	Progress  json.RawMessage   `json:"progress,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Polling reports whether the evaluation's status is still being polled.
	Polling bool `json:"polling"`

	// CheckedAt is when the record was last written from a list load or a
	// status fetch.
	CheckedAt time.Time `json:"checked_at"`
}

// Evaluation returns the evaluation fields of the record.
func (r Record) Evaluation() evaluation.Evaluation {
	return evaluation.Evaluation{
		ID:        r.ID,
		Name:      r.Name,
		Status:    r.Status,
		Progress:  r.Progress,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// sameContent reports whether two records differ only in CheckedAt.
func sameContent(a, b Record) bool {
	return a.Scope == b.Scope &&
		a.Polling == b.Polling &&
		evaluation.Equal(a.Evaluation(), b.Evaluation())
}

// ScopeState describes the last list load of one scope.
type ScopeState struct {
	Name   string `json:"name"`
	Tenant string `json:"tenant"`
	System string `json:"system"`

	// Count is the number of evaluations in the scope.
	Count int `json:"count"`

	// LoadedAt is when the list was last loaded successfully.
	LoadedAt time.Time `json:"loaded_at,omitempty"`

	// Error contains the message of the last failed load.
	// nil indicates the last load succeeded.
	Error *string `json:"error"`
}

// EventType identifies what an [Event] carries.
type EventType string

const (
	// EventUpdate carries a new or changed record.
	EventUpdate EventType = "update"

	// EventRemove carries a record that left its scope's list.
	EventRemove EventType = "remove"

	// EventScope carries a changed scope state.
	EventScope EventType = "scope"
)

// Event is a change published to subscribers.
type Event struct {
	Type   EventType   `json:"type"`
	Record *Record     `json:"record,omitempty"`
	Scope  *ScopeState `json:"scope,omitempty"`
}

// Store defines the interface for storing and subscribing to evaluation
// records.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows real-time updates to be pushed to connected clients
// (e.g., via Server-Sent Events).
type Store interface {
	// ReplaceScope makes list the full content of scope. Records of the
	// scope whose ID is absent from list are removed; other scopes are
	// untouched. A terminal status already stored is not replaced by an
	// in-flight one.
	ReplaceScope(scope string, list []evaluation.Evaluation)

	// Merge applies a status update to the record with the same ID in
	// scope. It returns the merged record and whether anything changed.
	// Updates for unknown records are ignored.
	Merge(scope string, update evaluation.Evaluation) (Record, bool)

	// Scope returns the records of one scope sorted by ID.
	Scope(scope string) []Record

	// GetAll returns all records sorted by scope, then ID.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []Record

	// Get returns the record with the given ID from the first scope, in
	// name order, that holds it.
	Get(id string) (Record, bool)

	// SetScopeState records the outcome of a scope's latest list load.
	SetScopeState(state ScopeState)

	// Scopes returns every scope state sorted by name.
	Scopes() []ScopeState

	// Subscribe returns a channel that receives change events.
	// The returned channel has a buffer; slow consumers may miss events.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)
}
