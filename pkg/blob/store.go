// Package blob abstracts the object store holding raw tracks, padded
// tracks, mixdowns and waveforms. Providers implement plain CRUD plus
// presigned read URLs; correctness of concurrent use relies on
// deterministic keys and idempotent writes.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the blob CRUD interface the pipeline depends on.
type Store interface {
	// Put writes the object at key, replacing any existing content.
	// Writes are atomic: readers never observe a partial object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object at key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Presign returns a URL an external service can fetch the object
	// from for the given lifetime.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the given key prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
