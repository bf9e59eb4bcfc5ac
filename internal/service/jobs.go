package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/blob"
	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/repository"
	"github.com/and161185/pixeljobs/internal/transform"
)

// DefaultMaxPending caps how many pending jobs one user may hold.
const DefaultMaxPending = 20

// JobService is the gateway over the blob store, the registry and the job table.
// It creates jobs but never changes their state.
type JobService interface {
	// Upload stores an image owned by userID.
	Upload(ctx context.Context, userID uuid.UUID, data []byte, mediaType string) (*model.Blob, error)
	// Uploads lists the images userID uploaded, newest first. Job outputs are excluded.
	Uploads(ctx context.Context, userID uuid.UUID) ([]model.Blob, error)
	// Download returns a blob with data if userID owns it.
	Download(ctx context.Context, userID uuid.UUID, ref model.BlobRef) (*model.Blob, error)
	// Transforms lists the registered transformations.
	Transforms() []transform.Info
	// Enqueue validates the request and creates a pending job.
	Enqueue(ctx context.Context, userID uuid.UUID, name string, input model.BlobRef, params map[string]string) (*model.Job, error)
	// Get returns one of the user's jobs.
	Get(ctx context.Context, userID, jobID uuid.UUID) (*model.Job, error)
	// List returns the user's jobs, newest first.
	List(ctx context.Context, userID uuid.UUID) ([]model.Job, error)
}

// Notifier is woken after a job is created.
type Notifier interface {
	Notify()
}

type JobServiceImpl struct {
	jobs       repository.JobRepository
	blobs      blob.Store
	reg        *transform.Registry
	notify     Notifier
	maxPending int
}

// NewJobService wires the gateway. notify may be nil; maxPending <= 0 selects DefaultMaxPending.
func NewJobService(
	jobs repository.JobRepository, blobs blob.Store, reg *transform.Registry, notify Notifier, maxPending int,
) *JobServiceImpl {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &JobServiceImpl{jobs: jobs, blobs: blobs, reg: reg, notify: notify, maxPending: maxPending}
}

// Upload rejects empty and non-image payloads before anything is written.
func (s *JobServiceImpl) Upload(ctx context.Context, userID uuid.UUID, data []byte, mediaType string) (*model.Blob, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload: %w", errs.ErrValidation)
	}
	mt := blob.MediaType(mediaType, data)
	if !strings.HasPrefix(mt, "image/") {
		return nil, fmt.Errorf("media type %q is not an image: %w", mt, errs.ErrValidation)
	}
	return s.blobs.Put(ctx, userID, data, mt)
}

// Uploads subtracts the outputs of the user's jobs from the blobs the user owns.
func (s *JobServiceImpl) Uploads(ctx context.Context, userID uuid.UUID) ([]model.Blob, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	owned, err := s.blobs.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	js, err := s.jobs.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[model.BlobRef]struct{}, len(js))
	for _, j := range js {
		if j.OutputRef != nil {
			outputs[*j.OutputRef] = struct{}{}
		}
	}
	out := owned[:0]
	for _, b := range owned {
		if _, ok := outputs[b.Ref]; !ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// Download hides blobs of other users behind ErrNotFound.
func (s *JobServiceImpl) Download(ctx context.Context, userID uuid.UUID, ref model.BlobRef) (*model.Blob, error) {
	b, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if b.Owner != userID {
		return nil, errs.ErrNotFound
	}
	return b, nil
}

// Transforms lists descriptor infos sorted by name.
func (s *JobServiceImpl) Transforms() []transform.Info { return s.reg.List() }

// Enqueue checks the transform, params, input ownership and media type and the
// pending quota, then creates the job and wakes the scheduler.
func (s *JobServiceImpl) Enqueue(
	ctx context.Context, userID uuid.UUID, name string, input model.BlobRef, params map[string]string,
) (*model.Job, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	d, err := s.reg.Resolve(strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	normalized, err := d.Validate(params)
	if err != nil {
		return nil, err
	}
	in, err := s.blobs.Stat(ctx, input)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("input %s: %w", input, errs.ErrNotFound)
		}
		return nil, err
	}
	if in.Owner != userID {
		return nil, fmt.Errorf("input %s: %w", input, errs.ErrNotFound)
	}
	if !d.AcceptsMedia(in.MediaType) {
		return nil, fmt.Errorf("%s does not accept %s: %w", d.Name, in.MediaType, errs.ErrValidation)
	}

	j, err := s.jobs.Create(ctx, model.NewJob{
		UserID:     userID,
		Transform:  d.Name,
		Params:     normalized,
		InputRef:   input,
		MaxPending: s.maxPending,
	})
	if err != nil {
		return nil, err
	}
	if s.notify != nil {
		s.notify.Notify()
	}
	return j, nil
}

// Get returns the job if userID owns it.
func (s *JobServiceImpl) Get(ctx context.Context, userID, jobID uuid.UUID) (*model.Job, error) {
	if userID == uuid.Nil || jobID == uuid.Nil {
		return nil, errs.ErrNotFound
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, errs.ErrNotFound
	}
	return j, nil
}

// List returns the user's history.
func (s *JobServiceImpl) List(ctx context.Context, userID uuid.UUID) ([]model.Job, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	return s.jobs.ListByUser(ctx, userID)
}
