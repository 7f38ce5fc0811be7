// Package evaluation defines the evaluation job model observed by evalwatch.
//
// An evaluation is a backend-tracked security review that is processed
// asynchronously. evalwatch never changes an evaluation's state; it only
// observes the status reported by the backend and relays it.
package evaluation

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the processing state of an evaluation as reported by the backend.
//
// Status is a closed set of string values. Values outside the set are passed
// through unchanged but are neither in-flight nor terminal.
type Status string

const (
	// StatusPending indicates the evaluation is queued and has not started.
	StatusPending Status = "pending"

	// StatusInProgress indicates the evaluation is being processed.
	StatusInProgress Status = "in_progress"

	// StatusProcessingMissingElements indicates the backend is filling in
	// elements that were missing from the first pass.
	StatusProcessingMissingElements Status = "processing_missing_elements"

	// StatusFailed indicates the last processing attempt failed. The backend
	// may retry, so a failed evaluation is still polled.
	StatusFailed Status = "failed"

	// StatusCompleted indicates the evaluation finished and carries a score.
	StatusCompleted Status = "completed"

	// StatusCancelled indicates the evaluation was cancelled.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsInFlight reports whether the status requires polling to learn of the
// evaluation's eventual outcome.
//
// The in-flight set includes [StatusFailed]: failed evaluations can be
// retried server-side and move on to completed or cancelled.
func (s Status) IsInFlight() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusProcessingMissingElements, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further status changes are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsKnown reports whether s is one of the defined status values.
func (s Status) IsKnown() bool {
	return s.IsInFlight() || s.IsTerminal()
}

// Evaluation is a single evaluation job as seen by evalwatch.
//
// Progress is owned by the backend and passed through opaquely; evalwatch
// only reads a numeric progress indicator from it (see [ProgressExtractor]).
type Evaluation struct {
	// ID is the opaque identifier, stable for the evaluation's lifetime.
	ID string `json:"id"`

	// Name is the display name. Status payloads usually omit it.
	Name string `json:"name,omitempty"`

	// Status is the latest reported processing state.
	Status Status `json:"status"`

	// Progress is the backend's progress or score payload, if any.
	Progress json.RawMessage `json:"progress,omitempty"`

	// CreatedAt is when the evaluation was created.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is when the backend last changed the evaluation.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Merge applies a status update to a previously known evaluation.
//
// Only the fields carried by a status fetch are taken from update: Status
// always, Progress and UpdatedAt when present. Everything else, such as
// Name and CreatedAt, is kept from prev unless prev lacks it.
func Merge(prev, update Evaluation) Evaluation {
	merged := prev
	if merged.ID == "" {
		merged.ID = update.ID
	}
	if merged.Name == "" {
		merged.Name = update.Name
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = update.CreatedAt
	}

	merged.Status = update.Status
	if len(update.Progress) > 0 {
		merged.Progress = copyRaw(update.Progress)
	}
	if !update.UpdatedAt.IsZero() {
		merged.UpdatedAt = update.UpdatedAt
	}
	return merged
}

// Equal reports whether two evaluations carry the same data.
func Equal(a, b Evaluation) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Status == b.Status &&
		bytes.Equal(a.Progress, b.Progress) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func copyRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
