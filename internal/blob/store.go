// Package blob stores immutable uploaded and produced payloads.
package blob

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/model"
)

// DefaultMaxSize mirrors the upload limit of the web application (16 MiB).
const DefaultMaxSize int64 = 16 << 20

// Store owns blob lifecycle. Other components hold references only.
type Store interface {
	// Put persists data atomically and returns its reference.
	// It fails with errs.ErrPayloadTooLarge before writing anything when data exceeds the limit.
	Put(ctx context.Context, owner uuid.UUID, data []byte, mediaType string) (*model.Blob, error)
	// Get returns metadata and bytes, or errs.ErrNotFound.
	Get(ctx context.Context, ref model.BlobRef) (*model.Blob, error)
	// Stat returns metadata only, or errs.ErrNotFound.
	Stat(ctx context.Context, ref model.BlobRef) (*model.Blob, error)
	// Delete removes the blob, or returns errs.ErrNotFound.
	Delete(ctx context.Context, ref model.BlobRef) error
	// List returns metadata of every committed blob owner holds, newest first.
	List(ctx context.Context, owner uuid.UUID) ([]model.Blob, error)
}

// MediaType normalizes a declared media type, sniffing the payload when none was given.
func MediaType(declared string, data []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" || mt == "application/octet-stream" {
		mt = http.DetectContentType(data)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
	}
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	return mt
}
