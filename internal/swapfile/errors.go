package swapfile

import "github.com/pkg/errors"

var (
	// ErrTooManySwapFiles is returned when every extension from .swp down to
	// .saa is taken.
	ErrTooManySwapFiles = errors.New("too many swap files found")

	// ErrNotSwapFile is returned for a file without a block 0 id.
	ErrNotSwapFile = errors.New("not a swap file")

	// ErrMagicMismatch is returned for a swap file written by a machine with
	// another byte order or word size.
	ErrMagicMismatch = errors.New("magic number mismatch")

	// ErrOldVersion is returned for a swap file in the 3.0 format.
	ErrOldVersion = errors.New("swap file from version 3.0")

	// ErrGarbled is returned when a header string is not NUL terminated.
	ErrGarbled = errors.New("garbled strings (not nul terminated)")

	// ErrCannotRead is returned when block 0 cannot be read in full.
	ErrCannotRead = errors.New("cannot read file")

	// ErrCannotOpen is returned when the swap file cannot be opened.
	ErrCannotOpen = errors.New("cannot open file")
)

// ExistsError is returned by FindName when the Chooser asked to stop editing
// or to recover from the swap file found at Path.
type ExistsError struct {
	Path   string
	Choice Choice
}

func (e *ExistsError) Error() string {
	return "swap file " + e.Path + " already exists (" + e.Choice.String() + ")"
}
