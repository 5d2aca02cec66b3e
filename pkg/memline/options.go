package memline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/swapfile"
)

// FileFormat is the line ending convention of the edited file.
type FileFormat int

const (
	FormatUnix FileFormat = iota // "\n"
	FormatDos                    // "\r\n"
	FormatMac                    // "\r"
)

var formatNames = [...]string{"unix", "dos", "mac"}

func (f FileFormat) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "unknown"
	}
	return formatNames[f]
}

// EOL returns the line ending.
func (f FileFormat) EOL() string {
	switch f {
	case FormatDos:
		return "\r\n"
	case FormatMac:
		return "\r"
	}
	return "\n"
}

// ParseFileFormat parses "unix", "dos" or "mac".
func ParseFileFormat(s string) (FileFormat, error) {
	for i, name := range formatNames {
		if s == name {
			return FileFormat(i), nil
		}
	}
	return FormatUnix, errors.Errorf("unknown fileformat %q", s)
}

// DefaultDirs is the swap directory list used when Options.Dirs is empty.
var DefaultDirs = []string{".", "~/tmp", "/var/tmp", "/tmp"}

// Options configures a Memline.
type Options struct {
	// FileName is the full path of the edited file, "" for a buffer without
	// a name.
	FileName string

	// PageSize of the swap file. Zero means block.DefaultPageSize.
	PageSize int

	// Dirs is the list of directories tried for the swap file.
	Dirs []string

	// UpdateCount is the number of changes after which the swap file is
	// synced. With MaySwap set and UpdateCount > 0 the swap file is created
	// on the first change.
	UpdateCount int
	MaySwap     bool

	// Fsync flushes the swap file to disk on sync.
	Fsync bool

	// MaxCached limits the number of blocks kept in memory once a swap file
	// exists. Zero means unlimited.
	MaxCached int

	FileFormat FileFormat
	// NoEOL is set when the last line has no line ending.
	NoEOL    bool
	Encoding string

	// Chooser decides about an existing swap file. Without one the swap file
	// is left alone and another name is used.
	Chooser            swapfile.Chooser
	ShortMessAttention bool

	Logger *zap.Logger
}

// SyncOptions configures Sync.
type SyncOptions struct {
	// CheckFile preserves the buffer when the original file was changed or
	// removed since it was read.
	CheckFile bool
	// Fsync flushes the swap file to disk when the buffer has changes.
	Fsync bool
	// Stop returns early when the context is done.
	Stop bool
}
