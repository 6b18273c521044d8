// Package metadata is a small key/value store in the local database. It holds
// consent acceptance, the session token and other singletons.
package metadata

import (
	"context"
)

// Repository is the key/value contract. Get returns (nil, nil) for a missing key.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetIfAbsent stores value only when key is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Delete removes every listed key. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
