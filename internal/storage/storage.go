// Package storage defines the narrow key-value surface the offline queue
// persists through. Implementations must be idempotent: setting the same
// value twice and removing a missing key are not errors.
package storage

import "context"

// Store is the persistence collaborator. GetItem returns "" for a missing
// key.
type Store interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
