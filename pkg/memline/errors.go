package memline

import (
	"github.com/pkg/errors"

	"github.com/oda/memline/internal/swapfile"
)

var (
	// ErrCorrupt is returned when the block tree is inconsistent: a block
	// with the wrong id, or line counts that do not add up.
	ErrCorrupt = errors.New("memline corrupt")

	// ErrLineNotFound is returned for a line number or offset outside the
	// buffer.
	ErrLineNotFound = errors.New("line not found")

	// ErrChunkIndexInvalid is returned by FindLineOrOffset once the chunk
	// index has been given up. ScanLineOrOffset still works.
	ErrChunkIndexInvalid = errors.New("chunk index invalid")

	// ErrLineTooLong is returned for a line that no block can hold.
	ErrLineTooLong = errors.New("line too long")

	// ErrInvalidText is returned for a line containing a NUL byte.
	ErrInvalidText = errors.New("line contains NUL")

	// ErrNoSwapFile is returned when an operation needs a swap file and the
	// memline is memory-only, or when no swap file could be created.
	ErrNoSwapFile = errors.New("no swap file")

	// ErrTooManySwapFiles is returned when every swap file name is taken.
	ErrTooManySwapFiles = swapfile.ErrTooManySwapFiles

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memline closed")

	// ErrAmbiguousSwap is returned by Recover when more than one swap file
	// matches and no index was given.
	ErrAmbiguousSwap = errors.New("more than one swap file found")

	// ErrRecoveryErrors is reported by Result.Err when recovery had to insert
	// placeholder lines.
	ErrRecoveryErrors = errors.New("errors detected while recovering; look for lines starting with ???")

	// ErrInterrupted is reported by Result.Err when recovery was cancelled.
	ErrInterrupted = errors.New("recovery interrupted")
)
