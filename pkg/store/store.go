package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists under the requested key.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned by Create when the key is already taken.
	ErrConflict = errors.New("store: key already exists")

	// ErrUnavailable wraps transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Filter reports whether a raw document belongs in a query result.
type Filter func(doc json.RawMessage) bool

// Less orders two raw documents. A nil Less leaves the result unordered.
type Less func(a, b json.RawMessage) bool

// Store is a document store over named collections. Records are kept as JSON
// documents. All operations are atomic per key.
type Store interface {
	// Put writes the record under (collection, key), replacing any previous
	// document.
	Put(ctx context.Context, collection, key string, record any) error

	// Create writes the record only if the key does not exist yet. A losing
	// concurrent writer receives ErrConflict, which makes Create the
	// first-writer-wins primitive for uniqueness constraints.
	Create(ctx context.Context, collection, key string, record any) error

	// Get decodes the document under (collection, key) into out.
	Get(ctx context.Context, collection, key string, out any) error

	// Update applies partial as a JSON merge patch to the stored document.
	Update(ctx context.Context, collection, key string, partial map[string]any) error

	// Query returns every document in the collection matching filter,
	// ordered by less when non-nil.
	Query(ctx context.Context, collection string, filter Filter, less Less) ([]json.RawMessage, error)

	// Delete removes the document under (collection, key). Deleting a key
	// that does not exist is not an error.
	Delete(ctx context.Context, collection, key string) error
}
