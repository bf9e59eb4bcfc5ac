package model

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/errs"
)

// JobState is a position in the job lifecycle.
type JobState string

// Job lifecycle states. Done and Failed are terminal.
const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobDone, JobFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s JobState) Terminal() bool { return s == JobDone || s == JobFailed }

// ErrorCategory separates retryable failures from final ones.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryPermanent ErrorCategory = "permanent"
)

// ErrorDetail is the structured reason recorded on a failed job.
type ErrorDetail struct {
	Category ErrorCategory `json:"category"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
}

// Job is one request to apply one transform to one blob.
type Job struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Transform  string
	Params     map[string]string
	InputRef   BlobRef
	OutputRef  *BlobRef // set iff State == JobDone
	State      JobState
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	NotBefore  *time.Time   // retry backoff; nil unless waiting for another attempt
	Error      *ErrorDetail // set iff State == JobFailed
}

// NewJob is the gateway's enqueue intent.
type NewJob struct {
	UserID    uuid.UUID
	Transform string
	Params    map[string]string
	InputRef  BlobRef

	// MaxPending > 0 makes Create fail with errs.ErrQuotaExceeded when the user
	// already has that many pending jobs. The check and the insert are atomic.
	MaxPending int
}

// JobUpdate carries the fields written together with a state transition.
// Fields that are nil are cleared or left alone as described per field.
type JobUpdate struct {
	StartedAt   *time.Time   // kept when nil
	FinishedAt  *time.Time   // cleared when nil
	OutputRef   *BlobRef     // cleared when nil
	Error       *ErrorDetail // cleared when nil
	NotBefore   *time.Time   // cleared when nil
	IncAttempts bool
}

// CanTransition enforces the allowed lifecycle edges.
// running -> pending is the scheduler's retry re-enqueue.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to == JobDone || to == JobFailed || to == JobPending
	default:
		return false
	}
}

// ValidateTransition checks the edge and the output/error invariant of the target state.
func ValidateTransition(from, to JobState, upd JobUpdate) error {
	if !from.Valid() || !to.Valid() || !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, errs.ErrInvalidTransition)
	}
	if (to == JobDone) != (upd.OutputRef != nil) {
		return fmt.Errorf("%s -> %s: output ref must be set only for done: %w", from, to, errs.ErrInvalidTransition)
	}
	if (to == JobFailed) != (upd.Error != nil) {
		return fmt.Errorf("%s -> %s: error detail must be set only for failed: %w", from, to, errs.ErrInvalidTransition)
	}
	if to.Terminal() && upd.FinishedAt == nil {
		return fmt.Errorf("%s -> %s: finished timestamp required: %w", from, to, errs.ErrInvalidTransition)
	}
	return nil
}

// Apply returns a copy of j moved to state to with upd written. The caller validates first.
func (j Job) Apply(to JobState, upd JobUpdate) Job {
	j.State = to
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		j.StartedAt = &t
	}
	j.FinishedAt = cloneTime(upd.FinishedAt)
	j.NotBefore = cloneTime(upd.NotBefore)
	j.OutputRef = nil
	if upd.OutputRef != nil {
		r := *upd.OutputRef
		j.OutputRef = &r
	}
	j.Error = nil
	if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	if upd.IncAttempts {
		j.Attempts++
	}
	return j
}

// Clone returns a deep copy safe to hand out of a store.
func (j Job) Clone() Job {
	if j.Params != nil {
		p := make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			p[k] = v
		}
		j.Params = p
	}
	j.StartedAt = cloneTime(j.StartedAt)
	j.FinishedAt = cloneTime(j.FinishedAt)
	j.NotBefore = cloneTime(j.NotBefore)
	if j.OutputRef != nil {
		r := *j.OutputRef
		j.OutputRef = &r
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}

// JobCursor is a position in the queue order: created_at, then id.
// The zero value sorts before every job.
type JobCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Cursor returns the position of j.
func (j Job) Cursor() JobCursor { return JobCursor{CreatedAt: j.CreatedAt, ID: j.ID} }

// Precedes reports whether c sorts strictly before j.
func (c JobCursor) Precedes(j Job) bool {
	if !c.CreatedAt.Equal(j.CreatedAt) {
		return c.CreatedAt.Before(j.CreatedAt)
	}
	return bytes.Compare(c.ID.Bytes(), j.ID.Bytes()) < 0
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
