package vecfs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a collection or point does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollectionExists is returned when creating a collection whose
	// name is already taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidLimit is returned when a search limit is not positive.
	ErrInvalidLimit = errors.New("limit must be positive")

	// ErrZeroVector is returned when a query vector has zero magnitude
	// under a metric that cannot score it.
	ErrZeroVector = errors.New("vector has zero magnitude")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch
// against the collection's configured vector size.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrCorruptIndex indicates a derived on-disk structure (secondary index,
// ANN graph, id index) is malformed or has an impossible size.
//
// Callers never see this from read paths: the engine falls back to a full
// scan or rebuilds from the point store instead. It surfaces only from
// explicit validation entry points.
type ErrCorruptIndex struct {
	Path   string
	Reason string
}

func (e *ErrCorruptIndex) Error() string {
	return fmt.Sprintf("corrupt index %s: %s", e.Path, e.Reason)
}
