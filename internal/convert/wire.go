// Package convert maps domain types to and from rpc wire messages.
package convert

import (
	"fmt"
	"maps"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/rpc"
	"github.com/and161185/pixeljobs/internal/transform"
)

// --- helpers ---

func ts(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// ParseID parses a wire id. Malformed ids are validation errors.
func ParseID(s string) (u.UUID, error) {
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("invalid id %q: %w", s, errs.ErrValidation)
	}
	return id, nil
}

// --- Blob (server -> client) ---

// ToWireBlob converts blob metadata. Data is not copied.
func ToWireBlob(b model.Blob) rpc.Blob {
	return rpc.Blob{
		Ref:       b.Ref.String(),
		MediaType: b.MediaType,
		Size:      b.Size,
		SHA256:    b.SHA256,
		CreatedAt: b.CreatedAt.UTC(),
	}
}

// --- Transforms ---

// ToWireTransforms converts registry entries.
func ToWireTransforms(in []transform.Info) []rpc.Transform {
	out := make([]rpc.Transform, 0, len(in))
	for _, i := range in {
		t := rpc.Transform{
			Name:       i.Name,
			Accepts:    append([]string(nil), i.Accepts...),
			Params:     make([]rpc.TransformParam, 0, len(i.Params)),
			Concurrent: i.Concurrent,
		}
		for _, p := range i.Params {
			t.Params = append(t.Params, rpc.TransformParam{
				Name:     p.Name,
				Required: p.Required,
				Allowed:  append([]string(nil), p.Allowed...),
				Default:  p.Default,
			})
		}
		out = append(out, t)
	}
	return out
}

// --- Jobs (server -> client) ---

// ToWireJob converts a job record.
func ToWireJob(j model.Job) rpc.Job {
	out := rpc.Job{
		ID:         j.ID.String(),
		Transform:  j.Transform,
		Params:     maps.Clone(j.Params),
		InputRef:   j.InputRef.String(),
		State:      string(j.State),
		Attempts:   j.Attempts,
		CreatedAt:  j.CreatedAt.UTC(),
		StartedAt:  ts(j.StartedAt),
		FinishedAt: ts(j.FinishedAt),
		NotBefore:  ts(j.NotBefore),
	}
	if j.OutputRef != nil {
		out.OutputRef = j.OutputRef.String()
	}
	if j.Error != nil {
		out.Error = &rpc.JobError{
			Category: string(j.Error.Category),
			Code:     j.Error.Code,
			Message:  j.Error.Message,
		}
	}
	return out
}

// ToWireBlobs converts blob metadata lists, keeping order.
func ToWireBlobs(bs []model.Blob) []rpc.Blob {
	out := make([]rpc.Blob, 0, len(bs))
	for _, b := range bs {
		out = append(out, ToWireBlob(b))
	}
	return out
}

// ToWireJobs converts a job list, keeping order.
func ToWireJobs(js []model.Job) []rpc.Job {
	out := make([]rpc.Job, 0, len(js))
	for _, j := range js {
		out = append(out, ToWireJob(j))
	}
	return out
}
