package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrInvalidKey is returned for keys that are empty, escape the key space or
	// contain control characters.
	ErrInvalidKey = errors.New("invalid blob key")
	// ErrUnsupportedLocation is returned for location notations that cannot be
	// resolved to a key in the store (web URLs, unknown schemes).
	ErrUnsupportedLocation = errors.New("unsupported blob location")
	// ErrGrantIssuance is returned when the store cannot sign a grant.
	ErrGrantIssuance = errors.New("grant issuance failed")
	// ErrObjectNotFound is returned when a fetched object does not exist.
	ErrObjectNotFound = errors.New("blob not found")
	// ErrDelete wraps store failures during deletion.
	ErrDelete = errors.New("blob delete failed")
)

// Kind is the asset class a key belongs to.
type Kind string

const (
	KindAudio Kind = "audio"
	KindText  Kind = "text"
)

// Valid reports whether k is a known asset kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindText
}

// KindOf extracts the asset kind from a key built by BuildKey. Keys that do
// not carry a recognizable kind segment are treated as audio.
func KindOf(key string) Kind {
	for _, seg := range strings.Split(key, "/") {
		if k := Kind(seg); k.Valid() {
			return k
		}
	}
	return KindAudio
}

// Store is a blob backend able to sign time-boxed grants.
type Store interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Get(ctx context.Context, key string, w io.Writer) (int64, error)
	PutObject(ctx context.Context, key, contentType string, r io.Reader) error
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Grant is a time-boxed URL allowing a client to move bytes without
// credentials.
type Grant struct {
	URL         string
	Method      string
	Key         string
	ContentType string
	ExpiresAt   time.Time
}
