// Package physical provides the key-value storage interface behind the
// arbitration history.
package physical

import (
	"context"

	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

var (
	// ErrNotFound indicates the requested key was not found.
	ErrNotFound = mmerrors.ErrNotFound

	// ErrClosed indicates the backend has been closed.
	ErrClosed = mmerrors.ErrClosed
)

// Entry is one stored key and its value.
type Entry struct {
	Key   string
	Value []byte
}

// Stats contains storage statistics.
type Stats struct {
	Keys        int64
	SizeBytes   int64
	BackendType string
}

// Backend is an ordered key-value store. Keys are printable ASCII. All
// implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// Scan returns up to limit entries whose key starts with prefix, in
	// ascending key order. A limit of zero or less returns every entry.
	Scan(ctx context.Context, prefix string, limit int) ([]Entry, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
