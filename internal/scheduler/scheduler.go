// Package scheduler claims pending jobs from the job table and runs them on a
// bounded pool with a global and a per-user concurrency cap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/pixeljobs/internal/blob"
	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/repository"
	"github.com/and161185/pixeljobs/internal/transform"
)

type serialKey struct {
	user      uuid.UUID
	transform string
}

// Scheduler is the job executor. Construct with New and start with Run.
// The caps are tracked in process, so one Scheduler per job table is assumed.
type Scheduler struct {
	jobs  repository.JobRepository
	blobs blob.Store
	reg   *transform.Registry
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight int
	perUser  map[uuid.UUID]int
	serial   map[serialKey]bool
}

// New builds a Scheduler. cfg must pass Validate.
func New(
	jobs repository.JobRepository, blobs blob.Store, reg *transform.Registry, cfg Config, log *zap.Logger,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		jobs:    jobs,
		blobs:   blobs,
		reg:     reg,
		cfg:     cfg,
		log:     log.Named("scheduler"),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		perUser: map[uuid.UUID]int{},
		serial:  map[serialKey]bool{},
	}, nil
}

// Notify asks for a dispatch pass soon. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run recovers jobs left running by a previous process, then dispatches until ctx
// is cancelled. On return no worker is running unless DrainTimeout expired first.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.jobs.RequeueRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("requeued interrupted jobs", zap.Int64("count", n))
	}
	s.log.Info("started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("per_user", s.cfg.PerUser),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
	)

	// Workers outlive ctx so a shutdown does not turn running jobs into failures.
	workCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.dispatch(ctx, workCtx)
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("stopped")
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("stopped with jobs still running")
	}
}

// dispatch claims as many runnable jobs as the caps allow. It pages through the
// whole queue, so jobs of users at their cap never hide jobs of other users.
func (s *Scheduler) dispatch(ctx, workCtx context.Context) {
	now := s.now()
	var after model.JobCursor
	for s.free() > 0 {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.jobs.ListRunnable(ctx, now, after, s.cfg.BatchSize)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Error("list runnable", zap.Error(err))
			}
			return
		}
		for i := range batch {
			if s.free() == 0 {
				return
			}
			s.start(ctx, workCtx, batch[i])
		}
		if len(batch) < s.cfg.BatchSize {
			return
		}
		after = batch[len(batch)-1].Cursor()
	}
}

func (s *Scheduler) start(ctx, workCtx context.Context, j model.Job) bool {
	concurrent := true
	if d, err := s.reg.Resolve(j.Transform); err == nil {
		concurrent = d.Concurrent
	}
	if !s.reserve(j.UserID, j.Transform, concurrent) {
		return false
	}

	now := s.now().UTC()
	claimed, err := s.jobs.Transition(ctx, j.ID, model.JobPending, model.JobRunning,
		model.JobUpdate{StartedAt: &now, IncAttempts: true})
	if err != nil {
		s.release(j.UserID, j.Transform, concurrent)
		if !errors.Is(err, errs.ErrConflict) && !errors.Is(err, context.Canceled) {
			s.log.Error("claim", zap.String("job_id", j.ID.String()), zap.Error(err))
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.Notify()
		defer s.release(j.UserID, j.Transform, concurrent)
		s.execute(workCtx, claimed)
	}()
	return true
}

func (s *Scheduler) free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Workers - s.inFlight
}

func (s *Scheduler) reserve(user uuid.UUID, name string, concurrent bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight >= s.cfg.Workers || s.perUser[user] >= s.cfg.PerUser {
		return false
	}
	k := serialKey{user: user, transform: name}
	if !concurrent && s.serial[k] {
		return false
	}
	s.inFlight++
	s.perUser[user]++
	if !concurrent {
		s.serial[k] = true
	}
	return true
}

func (s *Scheduler) release(user uuid.UUID, name string, concurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.perUser[user]--; s.perUser[user] <= 0 {
		delete(s.perUser, user)
	}
	if !concurrent {
		delete(s.serial, serialKey{user: user, transform: name})
	}
}

// Running reports the number of in-flight jobs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
