// Package transform holds the registry of named image transformations and the built-in set.
package transform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/and161185/pixeljobs/internal/errs"
)

// Input is the payload handed to a transform.
type Input struct {
	Data      []byte
	MediaType string
}

// Output is what a transform produces.
type Output struct {
	Data      []byte
	MediaType string
}

// Func is a transform's executable contract. It must not mutate shared state;
// it may call an external service. Errors should be marked with Transient or Permanent.
type Func func(ctx context.Context, in Input, params map[string]string) (Output, error)

// Param declares one accepted parameter.
type Param struct {
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Allowed  []string `json:"allowed,omitempty"` // empty means any value
	Default  string   `json:"default,omitempty"`
}

// Descriptor is a registry entry.
type Descriptor struct {
	Name       string
	Accepts    []string // input media types; empty accepts anything
	Params     []Param
	Concurrent bool // safe to run several at once for the same user
	Run        Func
	// Check, when set, validates parameter values after defaults are applied.
	Check func(params map[string]string) error
}

// Info is the public view of a descriptor.
type Info struct {
	Name       string   `json:"name"`
	Accepts    []string `json:"accepts"`
	Params     []Param  `json:"params"`
	Concurrent bool     `json:"concurrent"`
}

// AcceptsMedia reports whether the descriptor takes input of mediaType.
func (d Descriptor) AcceptsMedia(mediaType string) bool {
	if len(d.Accepts) == 0 {
		return true
	}
	return slices.Contains(d.Accepts, strings.ToLower(mediaType))
}

// Validate checks params against the declaration and returns a copy with defaults applied.
// Unknown parameter names are rejected.
func (d Descriptor) Validate(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(d.Params))
	known := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		known[p.Name] = struct{}{}
		v, ok := params[p.Name]
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			if p.Required {
				return nil, fmt.Errorf("%s: missing parameter %q: %w", d.Name, p.Name, errs.ErrValidation)
			}
			if p.Default != "" {
				out[p.Name] = p.Default
			}
			continue
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, strings.ToLower(v)) {
			return nil, fmt.Errorf("%s: parameter %q must be one of %s: %w",
				d.Name, p.Name, strings.Join(p.Allowed, ", "), errs.ErrValidation)
		}
		if len(p.Allowed) > 0 {
			v = strings.ToLower(v)
		}
		out[p.Name] = v
	}
	for k := range params {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("%s: unknown parameter %q: %w", d.Name, k, errs.ErrValidation)
		}
	}
	if d.Check != nil {
		if err := d.Check(out); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", d.Name, errs.ErrValidation, err)
		}
	}
	return out, nil
}

func (d Descriptor) info() Info {
	return Info{
		Name:       d.Name,
		Accepts:    slices.Clone(d.Accepts),
		Params:     slices.Clone(d.Params),
		Concurrent: d.Concurrent,
	}
}

// Registry maps transform names to descriptors. Populate it at startup.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: map[string]Descriptor{}}
}

// Register adds d, failing with errs.ErrDuplicateTransform if the name is taken.
func (r *Registry) Register(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("register transform: empty name: %w", errs.ErrValidation)
	}
	if d.Run == nil {
		return fmt.Errorf("register transform %q: nil func: %w", d.Name, errs.ErrValidation)
	}
	d.Accepts = slices.Clone(d.Accepts)
	for i := range d.Accepts {
		d.Accepts[i] = strings.ToLower(d.Accepts[i])
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[d.Name]; ok {
		return fmt.Errorf("register transform %q: %w", d.Name, errs.ErrDuplicateTransform)
	}
	r.items[d.Name] = d
	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve returns the descriptor for name or errs.ErrUnknownTransform.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("transform %q: %w", name, errs.ErrUnknownTransform)
	}
	return d, nil
}

// List returns registered transforms sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, d.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errs.ErrTransient, err)
}

// Permanent marks err as final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errs.ErrPermanent, err)
}

// IsTransient reports whether err should be retried. Deadline expiry counts as transient;
// unmarked errors do not.
func IsTransient(err error) bool {
	if errors.Is(err, errs.ErrPermanent) {
		return false
	}
	return errors.Is(err, errs.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
