// Package blob abstracts the object store that receives uploaded chunks and
// finalized videos. Implementations classify failures as transient (worth
// retrying) or fatal (terminal for the attempt).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Store is the object-store surface the upload engine depends on.
type Store interface {
	// Put stores one object under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Compose combines the part objects, in order, into a single object at
	// destKey. Parts are left in place; callers remove them afterwards.
	Compose(ctx context.Context, destKey string, partKeys []string) error
	// Remove deletes objects. Missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error
	// PublicURL returns a URL under which the object can be fetched.
	PublicURL(ctx context.Context, key string) (string, error)
}

// TransientError marks a failure that is safe to retry: network trouble,
// timeouts, 5xx-class rejections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
