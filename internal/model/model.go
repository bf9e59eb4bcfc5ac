// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   string    // encoded argon2id hash, see internal/crypto
	CreatedAt time.Time
}

// BlobRef identifies a stored blob.
type BlobRef string

// String implements fmt.Stringer.
func (r BlobRef) String() string { return string(r) }

// Blob is an immutable payload plus metadata. Data is nil when only metadata was requested.
type Blob struct {
	Ref       BlobRef   `json:"ref"`
	Owner     uuid.UUID `json:"owner"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"-"`
}
