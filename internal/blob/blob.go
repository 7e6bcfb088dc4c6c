// Package blob abstracts the durable object store that receives flushed
// log batches. Production uses Qiniu Kodo; a local-directory backend
// serves development and tests.
package blob

import "context"

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the minimal object-store surface the log pipeline needs.
type Store interface {
	// Put writes content under key with optional metadata. Objects are
	// immutable once written; callers choose unique keys.
	Put(ctx context.Context, key string, content []byte, metadata map[string]string) error

	// List returns all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object under key. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, key string) error
}
