package grpcserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// callerKey carries the caller resolved by AuthUnary.
type callerKey struct{}

// WithUserID returns ctx carrying the authenticated caller.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// UserIDFromCtx returns the caller set by WithUserID. uuid.Nil never counts as a caller.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(callerKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
