package swapfile

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Choice is the answer to an existing swap file for the same file.
type Choice int

const (
	// ChoiceNone leaves the swap file alone and tries the next name.
	ChoiceNone Choice = iota
	ChoiceReadOnly
	ChoiceEdit
	ChoiceRecover
	ChoiceDelete
	ChoiceQuit
	ChoiceAbort
)

var choiceNames = [...]string{"none", "read-only", "edit", "recover", "delete", "quit", "abort"}

func (c Choice) String() string {
	if c < 0 || int(c) >= len(choiceNames) {
		return "unknown"
	}
	return choiceNames[c]
}

// Attention describes an existing swap file that belongs to the file being
// opened.
type Attention struct {
	SwapName string
	FileName string
	Info     *Info // nil when block 0 could not be decoded
	InfoErr  error

	// Newer is set when the file is newer than the swap file.
	Newer bool
}

// Chooser decides what to do about an existing swap file.
type Chooser func(Attention) Choice

// FindOptions configures FindName.
type FindOptions struct {
	// FileName is the full path of the edited file, "" for a buffer without
	// a name.
	FileName string
	// OldName may exist already; it is the current swap file being renamed.
	OldName string
	// Recovering skips the existing swap file checks.
	Recovering bool
	// Recovered marks a buffer that was already recovered; no attention.
	Recovered bool
	// ShortMessAttention suppresses the attention handling.
	ShortMessAttention bool
	Chooser            Chooser
	Logger             *zap.Logger
}

// FindResult is the outcome of FindName.
type FindResult struct {
	// Name is the swap file name to use; "" when dir gave no usable name.
	Name string
	// ReadOnly is set when the Chooser asked to open the file read-only.
	ReadOnly bool
	// FoundExistingDir is set when dir exists.
	FoundExistingDir bool
}

// FindName finds a swap file name in dir that does not exist yet. Names
// taken by another swap file for the same file are offered to the Chooser.
// When dir is the last of the list and none of the directories existed, it
// is created.
func FindName(dir string, last, foundExistingDir bool, opts FindOptions) (FindResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	res := FindResult{FoundExistingDir: foundExistingDir}
	if dir == "" {
		return res, nil
	}
	expanded := ExpandHome(dir)
	if st, err := os.Stat(expanded); err == nil && st.IsDir() {
		res.FoundExistingDir = true
	} else if !res.FoundExistingDir && last {
		if err := os.MkdirAll(expanded, 0o755); err != nil {
			log.Warn("unable to create directory for swap file, recovery impossible",
				zap.String("dir", expanded), zap.Error(err))
		}
	}

	name := []byte(MakeName(opts.FileName, expanded))
	for {
		n := len(name)
		if n == 0 {
			return res, nil
		}
		fname := string(name)
		if _, err := os.Lstat(fname); err != nil {
			res.Name = fname
			return res, nil
		}
		if opts.OldName != "" && fname == opts.OldName {
			res.Name = fname
			return res, nil
		}

		if name[n-2] == 'w' && name[n-1] == 'p' && !opts.Recovering && opts.FileName != "" {
			switch choice := attention(fname, opts, log); choice {
			case ChoiceReadOnly:
				res.ReadOnly = true
			case ChoiceDelete:
				if err := os.Remove(fname); err != nil {
					log.Warn("cannot delete swap file", zap.String("swap", fname), zap.Error(err))
				}
			case ChoiceRecover, ChoiceQuit, ChoiceAbort:
				return res, &ExistsError{Path: fname, Choice: choice}
			}
			if _, err := os.Lstat(fname); err != nil {
				res.Name = fname
				return res, nil
			}
		}

		next, ok := nextExt(name)
		if !ok {
			return res, errors.Wrap(ErrTooManySwapFiles, fname)
		}
		name = next
	}
}

// nextExt counts the extension down: ".swp" -> ".swo" ... ".swa" -> ".svz".
// It returns false at ".saa".
func nextExt(name []byte) ([]byte, bool) {
	n := len(name)
	if name[n-1] == 'a' {
		if name[n-2] == 'a' {
			return name, false
		}
		name[n-2]--
		name[n-1] = 'z' + 1
	}
	name[n-1]--
	return name, true
}

// attention decides what to do about the existing swap file fname. Swap
// files of other files return ChoiceNone so that the next name is tried.
func attention(fname string, opts FindOptions, log *zap.Logger) Choice {
	if h, err := ReadHeader(fname); err == nil && !belongsTo(h.Fname(), h.Ino(), h.SameDir(), fname, opts.FileName) {
		return ChoiceNone
	}
	if opts.Recovered || opts.ShortMessAttention {
		return ChoiceNone
	}

	if _, serr := os.Stat(opts.FileName); serr == nil && Unchanged(fname) {
		log.Info("found a swap file that is not useful, deleting it", zap.String("swap", fname))
		return ChoiceDelete
	}

	a := Attention{SwapName: fname, FileName: opts.FileName}
	a.Info, a.InfoErr = ReadInfo(fname)
	if st, serr := os.Stat(opts.FileName); serr == nil {
		if sw, swerr := os.Stat(fname); swerr == nil && st.ModTime().After(sw.ModTime()) {
			a.Newer = true
		}
	}
	if opts.Chooser == nil {
		fields := []zap.Field{zap.String("swap", fname), zap.String("file", opts.FileName), zap.Bool("newer", a.Newer)}
		if a.Info != nil {
			fields = append(fields, zap.Int("pid", a.Info.Pid), zap.Bool("running", a.Info.Running))
		}
		log.Warn("ATTENTION: found a swap file", fields...)
		return ChoiceNone
	}
	return opts.Chooser(a)
}

// belongsTo reports whether a swap file whose block 0 names b0Name (with
// inode ino) was made for fname.
func belongsTo(b0Name string, ino int64, sameDir bool, swapName, fname string) bool {
	if sameDir {
		if filepath.Base(fname) == filepath.Base(b0Name) && SameDirectory(swapName, fname) {
			return true
		}
	}
	return !differ(fname, ExpandHome(b0Name), ino)
}

// differ compares the current file name with the name from a swap file,
// preferring inode numbers. Only the low 32 bits of an inode are stored.
func differ(current, fromSwap string, inoBlock0 int64) bool {
	var inoC, inoS uint64
	if ino, ok := Inode(current); ok {
		inoC = ino & 0xffffffff
	}
	if ino, ok := Inode(fromSwap); ok {
		inoS = ino & 0xffffffff
	} else {
		inoS = uint64(inoBlock0) & 0xffffffff
	}
	if inoC != 0 && inoS != 0 {
		return inoC != inoS
	}

	fullC, errC := filepath.Abs(current)
	fullS, errS := filepath.Abs(fromSwap)
	if errC == nil && errS == nil {
		return fullC != fullS
	}
	if inoS == 0 && inoC == 0 && errC != nil && errS != nil {
		return current != fromSwap
	}
	return true
}
