package swapfile

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/oda/memline/internal/block"
)

// Info is the content of a swap file's block 0.
type Info struct {
	Path     string
	Version  string
	User     string
	Host     string
	FileName string // may start with ~user
	Pid      int
	Running  bool // the owning process still exists
	Mtime    int64
	Inode    int64
	Dirty    bool
	SameDir  bool
	Encoding string
	PageSize int

	// FileFormat is valid when HasFileFormat is set: 0 unix, 1 dos, 2 mac.
	FileFormat    int
	HasFileFormat bool

	// Modified is the modification time of the swap file itself.
	Modified time.Time
}

// ReadHeader reads block 0 of the swap file at path without validating it.
func ReadHeader(path string) (*block.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCannotOpen, "%s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, block.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errors.Wrapf(ErrCannotRead, "%s: %v", path, err)
	}
	return block.NewHeader(buf, false)
}

// CheckHeader validates the id, version, magic and strings of block 0.
func CheckHeader(h *block.Header) error {
	switch {
	case strings.HasPrefix(h.Version(), "VIM 3.0"):
		return ErrOldVersion
	case !h.CheckID():
		return ErrNotSwapFile
	case h.MagicWrong():
		return ErrMagicMismatch
	case !h.StringsValid():
		return ErrGarbled
	}
	return nil
}

// ReadInfo decodes block 0 of the swap file at path.
func ReadInfo(path string) (*Info, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	if err := CheckHeader(h); err != nil {
		return nil, errors.Wrap(err, path)
	}

	info := &Info{
		Path:     path,
		Version:  h.Version(),
		User:     h.User(),
		Host:     h.Host(),
		FileName: h.Fname(),
		Pid:      h.Pid(),
		Mtime:    h.Mtime(),
		Inode:    h.Ino(),
		Dirty:    h.Dirty(),
		SameDir:  h.SameDir(),
		Encoding: h.Encoding(),
		PageSize: h.PageSize(),
	}
	info.FileFormat, info.HasFileFormat = h.FileFormat()
	if info.Pid != 0 {
		info.Running = ProcessRunning(info.Pid)
	}
	if st, err := os.Stat(path); err == nil {
		info.Modified = st.ModTime()
	}
	return info, nil
}

// Unchanged reports whether the swap file at path looks fine and holds no
// changes, so that it can be deleted: block 0 is valid, it is not dirty and
// the owning process is known and gone.
func Unchanged(path string) bool {
	h, err := ReadHeader(path)
	if err != nil {
		return false
	}
	if !h.CheckID() || h.MagicWrong() || h.Dirty() {
		return false
	}
	pid := h.Pid()
	return pid != 0 && !ProcessRunning(pid)
}

// ProcessRunning reports whether a process with the given pid exists.
func ProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Inode returns the inode number of path.
func Inode(path string) (uint64, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Ino), true
}
