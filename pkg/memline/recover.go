package memline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/memfile"
	"github.com/oda/memline/internal/swapfile"
)

// Placeholder lines inserted where recovery found damage.
const (
	markManyMissing = "???MANY LINES MISSING"
	markCountWrong  = "???LINE COUNT WRONG"
	markEmptyBlock  = "???EMPTY BLOCK"
	markLinesMissed = "???LINES MISSING"
	markBlockMissed = "???BLOCK MISSING"
	markMessedUp    = "??? from here until ???END lines may be messed up"
	markInsDel      = "??? from here until ???END lines may have been inserted/deleted"
	markBadLine     = "???"
	markEnd         = "???END"
)

// RecoverOptions configures Recover.
type RecoverOptions struct {
	// SwapName is the swap file to recover from. When empty, the swap files
	// of FileName are searched in Dirs. A FileName ending in a swap file
	// extension is used as the swap file itself.
	SwapName string
	FileName string
	Dirs     []string

	// Index picks one of several swap files found, counting from 1.
	Index int

	Logger *zap.Logger
}

// Result describes a recovery.
type Result struct {
	SwapName string
	FileName string

	// Errors is the number of damaged places; each got a "???" line.
	Errors      int
	Interrupted bool
	// Modified is set when the recovered text differs from the file on disk.
	Modified bool
	Warnings []string
	Lines    int

	FileFormat FileFormat
	Encoding   string
}

// Err summarizes the result as an error, nil for a clean recovery.
func (r *Result) Err() error {
	switch {
	case r.Interrupted:
		return ErrInterrupted
	case r.Errors > 0:
		return errors.Wrapf(ErrRecoveryErrors, "%d errors", r.Errors)
	}
	return nil
}

// looksLikeSwap reports whether name ends in ".s[a-w][a-z]".
func looksLikeSwap(name string) bool {
	n := len(name)
	if n < 4 || !strings.EqualFold(name[n-4:n-2], ".s") {
		return false
	}
	c1, c2 := name[n-2]|0x20, name[n-1]|0x20
	return c1 >= 'a' && c1 <= 'w' && c2 >= 'a' && c2 <= 'z'
}

// Recover rebuilds a buffer from a swap file. The returned memline has no
// swap file; damaged parts of the tree show up as lines starting with "???"
// and are counted in Result.Errors. Blocks that were never written to the
// swap file are read from the original file.
func Recover(ctx context.Context, opts RecoverOptions) (*Memline, *Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dirs := opts.Dirs
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}

	res := &Result{FileName: opts.FileName}
	directly := false
	switch {
	case opts.SwapName != "":
		res.SwapName = opts.SwapName
		directly = opts.FileName == ""
	case looksLikeSwap(opts.FileName):
		res.SwapName = opts.FileName
		directly = true
	default:
		names, err := swapfile.RecoverNames(opts.FileName, dirs, "")
		if err != nil {
			return nil, nil, err
		}
		switch {
		case len(names) == 0:
			return nil, nil, errors.Wrapf(ErrNoSwapFile, "no swap file found for %s", opts.FileName)
		case len(names) == 1:
			res.SwapName = names[0]
		case opts.Index >= 1 && opts.Index <= len(names):
			res.SwapName = names[opts.Index-1]
		default:
			return nil, nil, errors.Wrapf(ErrAmbiguousSwap, "%d swap files for %s", len(names), opts.FileName)
		}
	}

	mf, err := memfile.Open(res.SwapName, memfile.Options{
		PageSize: block.MinPageSize,
		ReadOnly: true,
		Logger:   log,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(swapfile.ErrCannotOpen, "%s: %v", res.SwapName, err)
	}
	defer mf.Close(false)

	r := &recovery{mf: mf, log: log, res: res, digest: blake3.New()}
	if err := r.readBlock0(directly); err != nil {
		return nil, nil, err
	}
	log.Info("using swap file", zap.String("swap", res.SwapName), zap.String("file", res.FileName))

	out, err := Open(Options{
		FileName:   res.FileName,
		Dirs:       opts.Dirs,
		FileFormat: res.FileFormat,
		Encoding:   res.Encoding,
		Logger:     log,
	})
	if err != nil {
		return nil, nil, err
	}
	r.out = out
	r.loadOriginal()

	if err := r.walk(ctx); err != nil {
		out.Close(true)
		return nil, nil, err
	}
	r.finish()

	switch {
	case res.Interrupted:
		log.Warn("recovery interrupted", zap.Int("lines", res.Lines))
	case res.Errors > 0:
		log.Warn("errors detected while recovering; look for lines starting with ???",
			zap.Int("errors", res.Errors))
	case res.Modified:
		log.Info("recovery completed; check if everything is OK", zap.Int("lines", res.Lines))
	default:
		log.Info("recovery completed; buffer contents equals file contents", zap.Int("lines", res.Lines))
	}
	return out, res, nil
}

type recovery struct {
	mf  *memfile.Memfile
	out *Memline
	log *zap.Logger
	res *Result

	orig    [][]byte
	origErr error
	digest  *blake3.Hasher
	lnum    int
}

// readBlock0 validates block 0 and takes the page size, file name,
// fileformat and encoding from it.
func (r *recovery) readBlock0(directly bool) error {
	res := r.res
	b, err := r.mf.Get(block.HeaderBlock, 1)
	if err != nil {
		return errors.Wrapf(swapfile.ErrCannotRead,
			"unable to read block 0 from %s; maybe no changes were made: %v", res.SwapName, err)
	}
	defer r.mf.Put(b, false, false)
	h, err := block.NewHeader(b.Data(), false)
	if err != nil {
		return errors.Wrapf(swapfile.ErrCannotRead, "%s: %v", res.SwapName, err)
	}
	// Unterminated strings are cut at the field end; recovery goes on.
	if err := swapfile.CheckHeader(h); err != nil && !errors.Is(err, swapfile.ErrGarbled) {
		return errors.Wrap(err, res.SwapName)
	}

	pageSize := h.PageSize()
	if pageSize < block.MinPageSize {
		return errors.Wrapf(memfile.ErrBadPageSize,
			"%s has been damaged (page size is smaller than minimum value)", res.SwapName)
	}
	if err := r.mf.SetPageSize(pageSize); err != nil {
		return errors.Wrapf(err, "%s has been damaged", res.SwapName)
	}

	if directly {
		res.FileName = swapfile.ExpandHome(h.Fname())
	}
	if res.FileName != "" {
		if abs, err := filepath.Abs(res.FileName); err == nil {
			res.FileName = abs
		}
	}
	if ff, ok := h.FileFormat(); ok {
		res.FileFormat = FileFormat(ff)
	}
	res.Encoding = h.Encoding()

	if res.FileName != "" {
		if st, err := os.Stat(res.FileName); err == nil {
			mtime := st.ModTime().Unix()
			newer := false
			if sw, err := os.Stat(res.SwapName); err == nil && mtime > sw.ModTime().Unix() {
				newer = true
			}
			if newer || uint32(mtime) != uint32(h.Mtime()) {
				r.warn("original file may have been changed")
			}
		}
	}
	return nil
}

func (r *recovery) warn(msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.log.Warn(msg, zap.String("swap", r.res.SwapName), zap.String("file", r.res.FileName))
}

// loadOriginal reads the original file. Its lines fill in blocks that never
// made it to the swap file and decide whether the result is modified.
func (r *recovery) loadOriginal() {
	if r.res.FileName == "" {
		r.origErr = os.ErrNotExist
		return
	}
	data, err := os.ReadFile(r.res.FileName)
	if err != nil {
		r.origErr = err
		return
	}
	r.orig, _ = splitLines(data, r.res.FileFormat)
}

// appendLine adds a recovered line at the end of the output.
func (r *recovery) appendLine(text []byte) error {
	if err := r.out.appendInt(r.lnum, text, true, false); err != nil {
		return err
	}
	r.lnum++
	r.digest.Write(text)
	r.digest.Write([]byte{'\n'})
	return nil
}

// damaged adds a placeholder line and counts the error.
func (r *recovery) damaged(mark string) error {
	r.res.Errors++
	r.log.Debug("recovery damage", zap.String("mark", mark), zap.Int("lnum", r.lnum+1))
	return r.appendLine([]byte(mark))
}

type recFrame struct {
	id    block.ID
	index int
}

// walk visits the tree depth first, appending the lines of every data
// block.
func (r *recovery) walk(ctx context.Context) error {
	mf := r.mf
	id := block.RootBlock
	pages := 1
	idx := 0
	var lineCount int64
	var stack []recFrame
	visited := map[block.ID]bool{block.RootBlock: true}

	var b *memfile.Block
	defer func() {
		if b != nil {
			mf.Put(b, false, false)
		}
	}()

	for {
		if ctx.Err() != nil {
			r.res.Interrupted = true
			return nil
		}
		if b != nil {
			mf.Put(b, false, false)
			b = nil
		}

		var err error
		if pages < 1 || int64(pages) > mf.MaxBlock()-id.Num() {
			err = errors.Wrapf(memfile.ErrBlockNotFound, "block %s with %d pages", id, pages)
		} else {
			b, err = mf.Get(id, pages)
		}

		if err != nil {
			if id == block.RootBlock {
				return errors.Wrapf(swapfile.ErrCannotRead, "unable to read block 1 from %s: %v", r.res.SwapName, err)
			}
			b = nil
			if err := r.damaged(markManyMissing); err != nil {
				return err
			}
		} else if data := b.Data(); block.Kind(data) == block.PointerID {
			pp := block.NewPointerBlock(data, false)
			count := pp.Count()
			if limit := block.CountMaxFor(len(data)); count > limit {
				count = limit
			}
			if idx == 0 && lineCount != 0 {
				for i := 0; i < count; i++ {
					if e, err := pp.Entry(i); err == nil {
						lineCount -= e.LineCount
					}
				}
				if lineCount != 0 {
					if err := r.damaged(markCountWrong); err != nil {
						return err
					}
				}
			}

			if count == 0 {
				if err := r.damaged(markEmptyBlock); err != nil {
					return err
				}
			} else if idx < count {
				e, err := pp.Entry(idx)
				if err != nil {
					return err
				}
				switch {
				case !e.Block.Assigned():
					if err := r.fromOriginal(e); err != nil {
						return err
					}
					idx++
					continue
				case visited[e.Block]:
					if err := r.damaged(markBlockMissed); err != nil {
						return err
					}
					idx++
					continue
				}
				visited[e.Block] = true
				stack = append(stack, recFrame{id: id, index: idx})
				id = e.Block
				lineCount = e.LineCount
				pages = e.PageCount
				idx = 0
				continue
			}
		} else if block.Kind(data) != block.DataID {
			if id == block.RootBlock {
				return errors.Wrapf(swapfile.ErrNotSwapFile, "block 1 id wrong in %s", r.res.SwapName)
			}
			if err := r.damaged(markBlockMissed); err != nil {
				return err
			}
		} else if err := r.dataBlock(block.NewDataBlock(data, false), pages, lineCount); err != nil {
			return err
		}

		if len(stack) == 0 {
			return nil
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		id = f.id
		idx = f.index + 1
		pages = 1
	}
}

// fromOriginal appends the lines of a block that was never written, taken
// from the original file at the position recorded in the pointer entry.
func (r *recovery) fromOriginal(e block.Entry) error {
	if r.origErr == nil {
		start := e.OldLnum - 1
		end := start + e.LineCount
		if start >= 0 && end >= start && end <= int64(len(r.orig)) {
			for _, text := range r.orig[start:end] {
				if err := r.appendLine(text); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return r.damaged(markLinesMissed)
}

// dataBlock appends the lines of dp, repairing what can be repaired.
func (r *recovery) dataBlock(dp *block.DataBlock, pages int, lineCount int64) error {
	hasErr := false
	size := pages * r.mf.PageSize()
	if dp.TxtEnd() != size {
		if err := r.damaged(markMessedUp); err != nil {
			return err
		}
		hasErr = true
	}
	dp.SetTxtEnd(size)

	n := dp.LineCount()
	if lineCount != int64(n) {
		if err := r.damaged(markInsDel); err != nil {
			return err
		}
		hasErr = true
	}

	data := dp.Bytes()
	txtEnd := dp.TxtEnd()
	if limit := (len(data) - block.DataHeaderSize) / block.IndexSize; n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		start := dp.Offset(i)
		if start <= block.DataHeaderSize || start >= txtEnd {
			if err := r.damaged(markBadLine); err != nil {
				return err
			}
			continue
		}
		text := data[start:txtEnd]
		if k := bytes.IndexByte(text, 0); k >= 0 {
			text = text[:k]
		}
		if err := r.appendLine(text); err != nil {
			return err
		}
	}
	if hasErr {
		return r.appendLine([]byte(markEnd))
	}
	return nil
}

// finish drops the empty line of the new buffer and decides whether the
// recovered text differs from the original file.
func (r *recovery) finish() {
	out, res := r.out, r.res
	for out.lineCount > r.lnum && !out.IsEmpty() {
		if err := out.deleteInt(out.lineCount); err != nil {
			r.log.Error("cannot delete line after recovery", zap.Error(err))
			break
		}
	}
	res.Lines = r.lnum

	if r.origErr != nil || len(r.orig) != r.lnum {
		// An empty file recovers as one empty line.
		empty := r.lnum == 1 && out.lineLen(1) == 0
		res.Modified = !empty
	} else {
		h := blake3.New()
		for _, text := range r.orig {
			h.Write(text)
			h.Write([]byte{'\n'})
		}
		res.Modified = !bytes.Equal(h.Sum(nil), r.digest.Sum(nil))
	}

	out.recovered = true
	out.changed = res.Modified
}

// lineLen returns the length of line lnum, -1 when it cannot be read.
func (m *Memline) lineLen(lnum int) int {
	n, err := m.GetLength(lnum)
	if err != nil {
		return -1
	}
	return n
}
