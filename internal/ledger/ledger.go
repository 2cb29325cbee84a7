// Package ledger tracks which input objects have already been processed so the
// processor never commits more than one output per object identity.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Admission is the result of TryBegin.
type Admission int

const (
	// Admitted means this invocation owns the attempt and may process the object.
	Admitted Admission = iota
	// AlreadyCompleted means a durable output already exists for this identity.
	AlreadyCompleted
	// InProgressElsewhere means a non-stale concurrent attempt owns the object.
	InProgressElsewhere
	// Exhausted means the retry budget is spent; the entry stays failed until
	// manual intervention.
	Exhausted
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyCompleted:
		return "already_completed"
	case InProgressElsewhere:
		return "in_progress_elsewhere"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Entry is the per-object record stored in the ledger.
type Entry struct {
	ObjectID      string
	Status        Status
	AttemptCount  int
	LastAttemptAt time.Time
	OutputID      string
}

// ErrNotFound is returned when no entry exists for the given object identity.
var ErrNotFound = errors.New("ledger entry not found")

// Config bounds the retry behaviour shared by all ledger implementations.
type Config struct {
	// MaxAttempts is the total number of admissions allowed per object identity.
	MaxAttempts int
	// StalenessWindow is how long an in_progress entry may sit untouched before
	// it is presumed abandoned and becomes eligible for re-admission.
	StalenessWindow time.Duration
}

// Ledger is the shared system of record across invocations. Implementations
// must make TryBegin an atomic check-and-claim so concurrent invocations for
// the same object identity cannot both be admitted.
type Ledger interface {
	// TryBegin claims an attempt for the object. AttemptCount is incremented on
	// every admission, so a successful invocation preceded by three failures
	// reports four attempts.
	TryBegin(ctx context.Context, objectID string) (Admission, Entry, error)

	// Complete transitions the entry to completed. Call only after the output
	// write is durable. Completing an already-completed entry is a no-op.
	Complete(ctx context.Context, objectID, outputID string) error

	// Fail records a failed attempt. The entry becomes re-admittable via
	// TryBegin while attempts remain, terminal otherwise.
	Fail(ctx context.Context, objectID string) (Entry, error)

	// Get returns the current entry for the object identity.
	Get(ctx context.Context, objectID string) (Entry, error)

	Close() error
}
