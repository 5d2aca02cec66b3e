package memfile

import "github.com/pkg/errors"

var (
	// ErrNoFile is returned when an operation needs the swap file but the
	// memfile is memory-only.
	ErrNoFile = errors.New("memfile has no swap file")

	// ErrBlockNotFound is returned by Get for a block that is neither cached
	// nor present in the swap file.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReadOnly is returned when writing to a memfile opened for reading.
	ErrReadOnly = errors.New("memfile is read-only")

	// ErrBadPageSize is returned for a page size outside the supported range.
	ErrBadPageSize = errors.New("invalid page size")
)
