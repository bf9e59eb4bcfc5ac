// Package repository declares the stores the services depend on. The memory
// and postgres subpackages implement them.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/model"
)

// UserRepository holds accounts. Usernames are unique.
type UserRepository interface {
	Create(ctx context.Context, u *model.User) error // errs.ErrAlreadyExists on a taken username
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}

// JobRepository is the durable job table. It doubles as the work queue.
type JobRepository interface {
	// Create inserts a pending job, enforcing nj.MaxPending.
	Create(ctx context.Context, nj model.NewJob) (*model.Job, error)

	// Transition moves a job from one state to another only if it is currently in from.
	// It returns errs.ErrConflict when the stored state differs, errs.ErrNotFound for an
	// unknown id and errs.ErrInvalidTransition for a disallowed edge or broken invariant.
	Transition(ctx context.Context, id uuid.UUID, from, to model.JobState, upd model.JobUpdate) (*model.Job, error)

	// Get returns a single job by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// ListByUser returns the user's jobs, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Job, error)

	// ListRunnable returns up to limit pending jobs whose backoff has elapsed and that
	// sort after the cursor, oldest first. Pass the last job's Cursor to read the next page.
	ListRunnable(ctx context.Context, now time.Time, after model.JobCursor, limit int) ([]model.Job, error)

	// RequeueRunning returns every running job to pending (recovery after a crash).
	RequeueRunning(ctx context.Context) (int64, error)
}
