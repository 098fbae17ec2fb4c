// Package store is the shared artifact store: durable named blobs for job
// inputs, outputs and logs. Required guarantees: read-after-write per key,
// and last-writer-wins atomic replace under concurrent puts to one key.
package store

import (
	"context"
	"io"
	"time"
)

type Store interface {
	// Put writes the blob under key, replacing any previous content.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get returns the blob, or domain.ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ModTimer is implemented by stores that can report when a key was last
// written. The orphan sweep uses it to spare freshly staged inputs whose
// enqueue may still be in progress.
type ModTimer interface {
	ModTime(ctx context.Context, key string) (time.Time, error)
}
