// Package blobstore provides atomic read / optimistic-update access to named
// JSON documents backed by an external collaborator. Everything else in
// kanmon (caches, loggers, the permission checker) only ever talks to a
// Store, never to Postgres directly.
package blobstore

import (
	"context"
	"encoding/json"
)

// Transform computes the next value of a blob from its current value.
// current is nil and exists is false when the blob has never been written.
//
// Transform MUST be pure and idempotent under retry: OptimisticUpdate may
// invoke it more than once if a concurrent writer wins the race. Any side
// effect a caller wants to observe (e.g. "was this email already present?")
// must be reported through a mutable record the caller closes over and
// resets at the top of Transform on every invocation — never by accumulating
// state across retries.
type Transform func(current json.RawMessage, exists bool) (next json.RawMessage, err error)

// Store is the façade over a single collection of named JSON documents.
type Store interface {
	// Read returns the current value of path. ok is false if the path has
	// never been written. Returns ErrStorageUnavailable on connectivity or
	// timeout failures.
	Read(ctx context.Context, path string) (value json.RawMessage, ok bool, err error)

	// OptimisticUpdate reads the current value of path (or treats it as
	// absent with no default substitution — callers pass their own default
	// into transform via closure, or rely on transform handling
	// exists=false), applies transform, and retries the whole read-transform
	// write cycle on a version conflict. Returns ErrStorageContention if the
	// bounded retry budget is exhausted, or ErrStorageUnavailable if reads
	// fail. A non-nil error returned by transform itself is propagated
	// immediately without retrying.
	OptimisticUpdate(ctx context.Context, path string, transform Transform) (next json.RawMessage, err error)
}
