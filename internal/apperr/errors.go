// Package apperr defines the sentinel errors shared across the engine.
package apperr

import "errors"

var (
	// ErrNotFound indicates an identifier that does not resolve to an
	// indexed note.
	ErrNotFound = errors.New("note not found")

	// ErrStoreUnavailable indicates the cache store cannot be opened or is
	// locked by another instance. Fatal to the invoking command.
	ErrStoreUnavailable = errors.New("cache store unavailable")

	// ErrSchemaMismatch indicates the on-disk cache was written by an
	// incompatible engine version. Recovered by a forced full reindex.
	ErrSchemaMismatch = errors.New("cache schema version mismatch")

	// ErrConstraint indicates an invariant break inside a store transaction,
	// e.g. two live notes claiming the same id. The transaction is rolled
	// back and the note reported as failed.
	ErrConstraint = errors.New("constraint violation")

	// ErrNotUTF8 indicates note content that is not valid UTF-8. This is the
	// only input the parser refuses.
	ErrNotUTF8 = errors.New("content is not valid UTF-8")
)
