package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
)

const jobCols = `id, user_id, transform, params, input_ref, output_ref, state, attempts,
created_at, started_at, finished_at, not_before, error_category, error_code, error_message`

// JobRepo implements JobRepository using PostgreSQL.
type JobRepo struct{ db *DB }

// NewJobRepo constructs a job repository.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

// Create inserts a pending job row.
func (r *JobRepo) Create(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	params := nj.Params
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	args := []any{id, nj.UserID, nj.Transform, raw, string(nj.InputRef)}
	if nj.MaxPending <= 0 {
		return scanJob(r.db.Pool.QueryRow(ctx, insertJob, args...))
	}
	return r.createWithin(ctx, nj.UserID, nj.MaxPending, args)
}

const insertJob = `
INSERT INTO jobs (id, user_id, transform, params, input_ref, state, attempts)
VALUES ($1, $2, $3, $4, $5, 'pending', 0)
RETURNING ` + jobCols

// createWithin serializes a user's enqueues on a transaction-scoped advisory
// lock so the pending count it reads cannot change before the insert commits.
func (r *JobRepo) createWithin(ctx context.Context, userID uuid.UUID, maxPending int, args []any) (j *model.Job, err error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID.String()); err != nil {
		return nil, fmt.Errorf("lock user queue: %w", err)
	}
	var pending int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE user_id=$1 AND state='pending'`, userID).Scan(&pending)
	if err != nil {
		return nil, err
	}
	if pending >= maxPending {
		return nil, fmt.Errorf("%d pending jobs: %w", pending, errs.ErrQuotaExceeded)
	}
	if j, err = scanJob(tx.QueryRow(ctx, insertJob, args...)); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// Transition performs the state change with a conditional UPDATE, so exactly one
// concurrent caller observing from wins.
func (r *JobRepo) Transition(
	ctx context.Context, id uuid.UUID, from, to model.JobState, upd model.JobUpdate,
) (*model.Job, error) {
	if err := model.ValidateTransition(from, to, upd); err != nil {
		return nil, err
	}
	inc := 0
	if upd.IncAttempts {
		inc = 1
	}
	var (
		output         *string
		category, code *string
		message        *string
	)
	if upd.OutputRef != nil {
		s := string(*upd.OutputRef)
		output = &s
	}
	if upd.Error != nil {
		c, k, m := string(upd.Error.Category), upd.Error.Code, upd.Error.Message
		category, code, message = &c, &k, &m
	}

	const q = `
UPDATE jobs SET state=$3, attempts=attempts+$4, started_at=COALESCE($5, started_at),
finished_at=$6, output_ref=$7, error_category=$8, error_code=$9, error_message=$10, not_before=$11
WHERE id=$1 AND state=$2
RETURNING ` + jobCols
	j, err := scanJob(r.db.Pool.QueryRow(ctx, q,
		id, string(from), string(to), inc, upd.StartedAt,
		upd.FinishedAt, output, category, code, message, upd.NotBefore))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	// Nothing matched: tell a missing row from a lost race.
	var cur string
	if err := r.db.Pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id=$1`, id).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return nil, fmt.Errorf("job %s is %s, want %s: %w", id, cur, from, errs.ErrConflict)
}

// Get selects a job by ID.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE id=$1`
	return scanJob(r.db.Pool.QueryRow(ctx, q, id))
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id DESC`
	return r.list(ctx, q, userID)
}

// ListRunnable returns pending jobs past after whose backoff has elapsed, oldest first.
func (r *JobRepo) ListRunnable(
	ctx context.Context, now time.Time, after model.JobCursor, limit int,
) ([]model.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs
WHERE state='pending' AND (not_before IS NULL OR not_before <= $1) AND (created_at, id) > ($2, $3)
ORDER BY created_at ASC, id ASC LIMIT $4`
	return r.list(ctx, q, now, after.CreatedAt, after.ID, limit)
}

// RequeueRunning returns jobs left running by a previous process to pending.
func (r *JobRepo) RequeueRunning(ctx context.Context) (int64, error) {
	const q = `UPDATE jobs SET state='pending', not_before=NULL WHERE state='running'`
	tag, err := r.db.Pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepo) list(ctx context.Context, q string, args ...any) ([]model.Job, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                       model.Job
		params                  []byte
		input, state            string
		output                  *string
		category, code, message *string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Transform, &params, &input, &output, &state, &j.Attempts,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.NotBefore, &category, &code, &message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	j.InputRef = model.BlobRef(input)
	j.State = model.JobState(state)
	if output != nil {
		ref := model.BlobRef(*output)
		j.OutputRef = &ref
	}
	if category != nil {
		j.Error = &model.ErrorDetail{Category: model.ErrorCategory(*category)}
		if code != nil {
			j.Error.Code = *code
		}
		if message != nil {
			j.Error.Message = *message
		}
	}
	j.Params = map[string]string{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("job %s params: %w", j.ID, err)
		}
	}
	return &j, nil
}
