// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist (or is not visible to the caller).
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-swap failure: the stored state did not match the expected one.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates a job state change that the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller exceeded a request or login rate.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotConfigured indicates an optional collaborator (e.g., the chat model) is not set up.
	ErrNotConfigured = errors.New("not configured")
)

// Job pipeline sentinels.
var (
	// ErrValidation indicates bad caller input (parameters, media type, empty payload).
	ErrValidation = errors.New("validation error")

	// ErrUnknownTransform indicates a transform name missing from the registry.
	ErrUnknownTransform = errors.New("unknown transform")

	// ErrDuplicateTransform indicates a second registration under the same name.
	ErrDuplicateTransform = errors.New("duplicate transform")

	// ErrPayloadTooLarge indicates a blob exceeding the store size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrImageTooLarge indicates an image whose declared dimensions exceed the decode limit.
	ErrImageTooLarge = errors.New("image too large")

	// ErrQuotaExceeded indicates the per-user pending job cap is reached.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrTransient marks failures worth retrying (timeouts, upstream 5xx, temporary I/O).
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks failures that will not improve on retry (malformed input, contract violation).
	ErrPermanent = errors.New("permanent failure")
)
