package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/transform"
)

// Failure codes recorded on failed jobs.
const (
	CodeUnknownTransform = "unknown_transform"
	CodeInputMissing     = "input_missing"
	CodeUnsupportedMedia = "unsupported_media"
	CodeImageTooLarge    = "image_too_large"
	CodeInvalidParams    = "invalid_params"
	CodeTransform        = "transform"
	CodeTimeout          = "timeout"
	CodeUpstream         = "upstream"
	CodePanic            = "panic"
	CodeOutputTooLarge   = "output_too_large"
	CodeStorage          = "storage"
)

// jobError is one failed attempt.
type jobError struct {
	code      string
	transient bool
	err       error
}

func (e *jobError) Error() string { return e.code + ": " + e.err.Error() }
func (e *jobError) Unwrap() error { return e.err }

func permanent(code string, err error) *jobError { return &jobError{code: code, err: err} }
func transient(code string, err error) *jobError {
	return &jobError{code: code, transient: true, err: err}
}

// execute runs one claimed attempt and records the outcome.
func (s *Scheduler) execute(ctx context.Context, j *model.Job) {
	log := s.log.With(
		zap.String("job_id", j.ID.String()),
		zap.String("user_id", j.UserID.String()),
		zap.String("transform", j.Transform),
		zap.Int("attempt", j.Attempts),
	)
	start := s.now()
	ref, jerr := s.attempt(ctx, j)
	finished := s.now().UTC()

	var (
		to  model.JobState
		upd model.JobUpdate
	)
	switch {
	case jerr == nil:
		to = model.JobDone
		upd = model.JobUpdate{FinishedAt: &finished, OutputRef: &ref}
	case jerr.transient && j.Attempts < s.cfg.MaxAttempts:
		delay := s.cfg.backoff(j.Attempts)
		nb := finished.Add(delay)
		to = model.JobPending
		upd = model.JobUpdate{NotBefore: &nb}
		log.Warn("attempt failed, will retry",
			zap.String("code", jerr.code), zap.Duration("backoff", delay), zap.Error(jerr.err))
		time.AfterFunc(delay, s.Notify)
	default:
		cat := model.CategoryPermanent
		if jerr.transient {
			cat = model.CategoryTransient
		}
		to = model.JobFailed
		upd = model.JobUpdate{FinishedAt: &finished, Error: &model.ErrorDetail{
			Category: cat, Code: jerr.code, Message: jerr.err.Error(),
		}}
	}

	if _, err := s.jobs.Transition(ctx, j.ID, model.JobRunning, to, upd); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			log.Info("job changed under us, result dropped", zap.Error(err))
		} else {
			log.Error("record result", zap.String("state", string(to)), zap.Error(err))
		}
		if jerr == nil {
			_ = s.blobs.Delete(ctx, ref)
		}
		return
	}
	switch to {
	case model.JobDone:
		log.Info("job done", zap.String("output", ref.String()), zap.Duration("dur", time.Since(start)))
	case model.JobFailed:
		log.Warn("job failed", zap.String("code", jerr.code), zap.Bool("transient", jerr.transient), zap.Error(jerr.err))
	}
}

// attempt resolves, loads, runs and stores; it never panics.
func (s *Scheduler) attempt(ctx context.Context, j *model.Job) (model.BlobRef, *jobError) {
	d, err := s.reg.Resolve(j.Transform)
	if err != nil {
		return "", permanent(CodeUnknownTransform, err)
	}
	params, err := d.Validate(j.Params)
	if err != nil {
		return "", permanent(CodeInvalidParams, err)
	}
	in, err := s.blobs.Get(ctx, j.InputRef)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "", permanent(CodeInputMissing, fmt.Errorf("input %s: %w", j.InputRef, err))
	case err != nil:
		return "", transient(CodeStorage, err)
	}
	if !d.AcceptsMedia(in.MediaType) {
		return "", permanent(CodeUnsupportedMedia, fmt.Errorf("%s does not accept %s", d.Name, in.MediaType))
	}

	out, jerr := s.run(ctx, d, transform.Input{Data: in.Data, MediaType: in.MediaType}, params)
	if jerr != nil {
		return "", jerr
	}
	if len(out.Data) == 0 {
		return "", permanent(CodeTransform, errors.New("empty output"))
	}

	b, err := s.blobs.Put(ctx, j.UserID, out.Data, out.MediaType)
	switch {
	case errors.Is(err, errs.ErrPayloadTooLarge):
		return "", permanent(CodeOutputTooLarge, err)
	case err != nil:
		return "", transient(CodeStorage, err)
	}
	return b.Ref, nil
}

// run calls the transform under JobTimeout and turns a panic into a permanent failure.
func (s *Scheduler) run(
	ctx context.Context, d transform.Descriptor, in transform.Input, params map[string]string,
) (out transform.Output, jerr *jobError) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transform panic",
				zap.String("transform", d.Name),
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
			jerr = permanent(CodePanic, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := d.Run(ctx, in, params)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, errs.ErrPermanent):
		return transform.Output{}, transient(CodeTimeout, fmt.Errorf("after %s: %w", s.cfg.JobTimeout, err))
	case errors.Is(err, errs.ErrImageTooLarge):
		return transform.Output{}, permanent(CodeImageTooLarge, err)
	case transform.IsTransient(err):
		return transform.Output{}, transient(CodeUpstream, err)
	default:
		return transform.Output{}, permanent(CodeTransform, err)
	}
}
