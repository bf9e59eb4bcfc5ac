// Package memory contains in-process implementations of repository interfaces
// for tests and single-node development runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
)

// JobRepo implements repository.JobRepository over a map guarded by a mutex.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.Job
	last time.Time // creation stamps are strictly increasing
	now  func() time.Time
}

// NewJobRepo constructs an empty job store.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: map[uuid.UUID]*model.Job{}, now: time.Now}
}

// Create inserts a pending job.
func (r *JobRepo) Create(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	j := model.Job{
		ID:        id,
		UserID:    nj.UserID,
		Transform: nj.Transform,
		Params:    nj.Params,
		InputRef:  nj.InputRef,
		State:     model.JobPending,
	}
	j = j.Clone()
	if j.Params == nil {
		j.Params = map[string]string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if nj.MaxPending > 0 {
		pending := 0
		for _, o := range r.jobs {
			if o.UserID == nj.UserID && o.State == model.JobPending {
				pending++
			}
		}
		if pending >= nj.MaxPending {
			return nil, fmt.Errorf("%d pending jobs: %w", pending, errs.ErrQuotaExceeded)
		}
	}
	created := r.now().UTC().Truncate(time.Microsecond)
	if !created.After(r.last) {
		created = r.last.Add(time.Microsecond)
	}
	r.last = created
	j.CreatedAt = created
	r.jobs[id] = &j
	out := j.Clone()
	return &out, nil
}

// Transition applies a compare-and-swap on the job state.
func (r *JobRepo) Transition(ctx context.Context, id uuid.UUID, from, to model.JobState, upd model.JobUpdate) (*model.Job, error) {
	if err := model.ValidateTransition(from, to, upd); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != from {
		return nil, fmt.Errorf("job %s is %s, want %s: %w", id, cur.State, from, errs.ErrConflict)
	}
	next := cur.Apply(to, upd).Clone()
	r.jobs[id] = &next
	out := next.Clone()
	return &out, nil
}

// Get returns a copy of the job.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := j.Clone()
	return &out, nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]model.Job, 0)
	for _, j := range r.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return bytes.Compare(out[a].ID.Bytes(), out[b].ID.Bytes()) > 0
	})
	return out, nil
}

// ListRunnable returns pending jobs past after whose backoff has elapsed, oldest first.
func (r *JobRepo) ListRunnable(ctx context.Context, now time.Time, after model.JobCursor, limit int) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]model.Job, 0)
	for _, j := range r.jobs {
		if j.State != model.JobPending {
			continue
		}
		if j.NotBefore != nil && j.NotBefore.After(now) {
			continue
		}
		if !after.Precedes(*j) {
			continue
		}
		out = append(out, j.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return bytes.Compare(out[a].ID.Bytes(), out[b].ID.Bytes()) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequeueRunning moves running jobs back to pending.
func (r *JobRepo) RequeueRunning(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if j.State == model.JobRunning {
			next := j.Apply(model.JobPending, model.JobUpdate{})
			r.jobs[id] = &next
			n++
		}
	}
	return n, nil
}
