// Package memline stores the lines of a text buffer in a tree of blocks that
// lives in a swap file, so that the buffer can be recovered after a crash.
//
// Block 0 of the swap file describes the edited file, block 1 is the root of
// a tree of pointer blocks whose leaves are data blocks holding the lines.
// Every pointer entry records the number of lines below it, which makes
// finding a line a walk from the root. One data block at a time is locked in
// memory; changes to it are collected and the line counts on the path to the
// root are fixed when another block is needed.
//
// Example:
//
//	ml, err := memline.Open(memline.Options{FileName: "/home/me/notes.txt"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ml.Close(true)
//
//	ml.Append(0, "first", false)
//	ml.Replace(1, "changed")
//	line, _ := ml.Get(1) // "changed"
//
// A Memline is not safe for concurrent use.
package memline

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/memfile"
)

type mlFlags uint8

const (
	flagEmpty       mlFlags = 1 << iota // no lines; line 1 is ""
	flagLineDirty                       // cached line differs from its block
	flagLockedDirty                     // locked block was changed
	flagLockedPos                       // locked block needs a place in the swap file
)

// maxLineLen is the longest line accepted, NUL excluded.
const maxLineLen = 1 << 30

// Memline is the line store of one buffer.
type Memline struct {
	mf   *memfile.Memfile
	log  *zap.Logger
	opts Options

	lineCount int
	flags     mlFlags

	// Cached line, valid when lineLnum != 0.
	line     []byte
	lineLnum int

	// Locked data block and the range of lines in it. lockedLineAdd is the
	// number of lines added since the pointer blocks were updated.
	locked        *memfile.Block
	lockedLow     int
	lockedHigh    int
	lockedLineAdd int

	stack        frameStack
	lowestMarked int
	chunks       chunkIndex

	fname    string
	ff       FileFormat
	noEOL    bool
	encoding string

	readOnly  bool
	maySwap   bool
	changed   bool
	changes   int
	recovered bool
	preserved bool
	flushing  bool

	// Modification time and size of the file when it was read.
	mtimeRead int64
	origSize  int64
}

// Open creates a memline holding one empty line. No swap file is created
// yet; see OpenSwap.
func Open(opts Options) (*Memline, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.Dirs) == 0 {
		opts.Dirs = DefaultDirs
	}
	mf, err := memfile.Open("", memfile.Options{
		PageSize:  opts.PageSize,
		MaxCached: opts.MaxCached,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	m := &Memline{
		mf:        mf,
		log:       log,
		opts:      opts,
		lineCount: 1,
		flags:     flagEmpty,
		chunks:    newChunkIndex(),
		fname:     opts.FileName,
		ff:        opts.FileFormat,
		noEOL:     opts.NoEOL,
		encoding:  opts.Encoding,
		maySwap:   opts.MaySwap && opts.UpdateCount > 0,
	}
	if err := m.create(); err != nil {
		mf.Close(true)
		return nil, err
	}
	return m, nil
}

// create writes block 0, the root pointer block and a data block with one
// empty line.
func (m *Memline) create() error {
	mf := m.mf
	b0 := mf.New(false, 1)
	if b0.ID() != block.HeaderBlock {
		return errors.Wrapf(ErrCorrupt, "didn't get block nr 0, got %s", b0.ID())
	}
	h, err := block.NewHeader(b0.Data(), true)
	if err != nil {
		return err
	}
	h.SetPageSize(mf.PageSize())
	m.fillHeader(h)
	mf.Put(b0, true, false)

	root := mf.New(false, 1)
	if root.ID() != block.RootBlock {
		return errors.Wrapf(ErrCorrupt, "didn't get block nr 1, got %s", root.ID())
	}
	pp := block.NewPointerBlock(root.Data(), true)
	if err := pp.Insert(0, block.Entry{
		Block:     block.FirstDataBlock,
		LineCount: 1,
		OldLnum:   1,
		PageCount: 1,
	}); err != nil {
		return err
	}
	mf.Put(root, true, false)

	data := mf.New(false, 1)
	if data.ID() != block.FirstDataBlock {
		return errors.Wrapf(ErrCorrupt, "didn't get block nr 2, got %s", data.ID())
	}
	dp := block.NewDataBlock(data.Data(), true)
	if err := dp.Insert(0, nil, false); err != nil {
		return err
	}
	mf.Put(data, true, false)
	return nil
}

// Close releases the memline. Without deleteFile the swap file is synced and
// kept, so that it can be recovered later.
func (m *Memline) Close(deleteFile bool) error {
	if m.mf == nil {
		return ErrClosed
	}
	var err error
	if !deleteFile && m.mf.HasFile() {
		err = m.Sync(context.Background(), SyncOptions{Fsync: m.opts.Fsync})
	}
	if cerr := m.mf.Close(deleteFile); cerr != nil && err == nil {
		err = cerr
	}
	m.mf = nil
	m.locked = nil
	m.line = nil
	m.lineLnum = 0
	m.stack.reset()
	m.recovered = false
	return err
}

func (m *Memline) usable() error {
	if m.mf == nil {
		return ErrClosed
	}
	return nil
}

// LineCount returns the number of lines. It is at least 1.
func (m *Memline) LineCount() int {
	return m.lineCount
}

// IsEmpty reports whether the buffer holds no lines; line 1 is then "".
func (m *Memline) IsEmpty() bool {
	return m.flags&flagEmpty != 0
}

// SwapName returns the swap file path, "" when there is none.
func (m *Memline) SwapName() string {
	if m.mf == nil {
		return ""
	}
	return m.mf.Name()
}

// FileName returns the name of the edited file.
func (m *Memline) FileName() string {
	return m.fname
}

// ReadOnly reports whether the buffer should be opened read-only because
// another swap file exists.
func (m *Memline) ReadOnly() bool {
	return m.readOnly
}

// Recovered reports whether the memline was built by Recover.
func (m *Memline) Recovered() bool {
	return m.recovered
}

// FileFormat returns the line ending convention.
func (m *Memline) FileFormat() FileFormat {
	return m.ff
}

// SetFileFormat changes the line ending convention and records it in the
// swap file.
func (m *Memline) SetFileFormat(ff FileFormat) {
	m.ff = ff
	m.setFlags()
}

// NoEOL reports whether the last line has no line ending.
func (m *Memline) NoEOL() bool {
	return m.noEOL
}

// Encoding returns the file encoding.
func (m *Memline) Encoding() string {
	return m.encoding
}

// Changed reports whether the buffer was changed since it was read or
// SetChanged(false) was called.
func (m *Memline) Changed() bool {
	return m.changed
}

// SetChanged sets the changed state, for example after the buffer was
// written. The dirty flag in the swap file follows it.
func (m *Memline) SetChanged(changed bool) {
	if m.changed == changed {
		return
	}
	m.changed = changed
	m.setFlags()
}

// Get returns line lnum. lnum 0 or below returns line 1.
func (m *Memline) Get(lnum int) (string, error) {
	text, err := m.get(lnum)
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// GetLength returns the length of line lnum in bytes.
func (m *Memline) GetLength(lnum int) (int, error) {
	text, err := m.get(lnum)
	return len(text), err
}

// get returns the cached copy of line lnum, valid until the next call.
func (m *Memline) get(lnum int) ([]byte, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	if lnum > m.lineCount {
		return nil, errors.Wrapf(ErrLineNotFound, "line %d of %d", lnum, m.lineCount)
	}
	if lnum <= 0 {
		lnum = 1
	}
	if m.lineLnum == lnum {
		return m.line, nil
	}

	if err := m.flushLine(); err != nil {
		return nil, err
	}
	dp, err := m.findLine(lnum, findFind)
	if err != nil {
		return nil, err
	}
	text, err := dp.Line(lnum - m.lockedLow)
	if err != nil {
		return nil, m.internalError("cannot read line", zap.Int("lnum", lnum), zap.Error(err))
	}
	m.line = append(m.line[:0], text...)
	m.lineLnum = lnum
	m.flags &^= flagLineDirty
	return m.line, nil
}

// Append inserts text as a new line after line lnum; 0 inserts before the
// first line. newFile is set while reading a file into the buffer: the new
// blocks then stay out of the swap file until the buffer is preserved.
func (m *Memline) Append(lnum int, text string, newFile bool) error {
	if err := m.usable(); err != nil {
		return err
	}
	if err := checkText(text); err != nil {
		return err
	}
	if lnum < 0 || lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "append after line %d of %d", lnum, m.lineCount)
	}
	if m.lineLnum != 0 {
		if err := m.flushLine(); err != nil {
			return err
		}
	}
	if err := m.appendInt(lnum, []byte(text), newFile, false); err != nil {
		return err
	}
	m.noteChange()
	return nil
}

// Delete removes line lnum. Deleting the only line leaves an empty buffer
// with one empty line.
func (m *Memline) Delete(lnum int) error {
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.flushLine(); err != nil {
		return err
	}
	if lnum < 1 || lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "delete line %d of %d", lnum, m.lineCount)
	}
	if err := m.deleteInt(lnum); err != nil {
		return err
	}
	m.noteChange()
	return nil
}

func checkText(text string) error {
	if len(text) > maxLineLen {
		return errors.Wrapf(ErrLineTooLong, "%d bytes", len(text))
	}
	if strings.IndexByte(text, 0) >= 0 {
		return ErrInvalidText
	}
	return nil
}

// noteChange is called after every change. The first change creates the
// swap file when that was postponed; every UpdateCount changes the swap
// file is synced.
func (m *Memline) noteChange() {
	if !m.changed {
		if m.maySwap && !m.mf.HasFile() {
			if _, err := m.OpenSwap(nil, nil); err != nil {
				m.log.Warn("unable to open swap file, recovery impossible",
					zap.String("file", m.fname), zap.Error(err))
			}
		}
		m.changed = true
		m.setFlags()
	}
	m.changes++
	if m.opts.UpdateCount > 0 && m.changes >= m.opts.UpdateCount && m.mf.HasFile() {
		if err := m.Sync(context.Background(), SyncOptions{}); err != nil {
			m.log.Warn("sync swap file", zap.String("swap", m.mf.Name()), zap.Error(err))
		}
	}
}

// internalError logs an inconsistency of the block tree and returns it as
// ErrCorrupt.
func (m *Memline) internalError(msg string, fields ...zap.Field) error {
	m.log.Error(msg, fields...)
	return errors.Wrap(ErrCorrupt, msg)
}
