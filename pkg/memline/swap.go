package memline

import (
	"context"
	"os"
	"os/user"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/memfile"
	"github.com/oda/memline/internal/swapfile"
)

// ubWhat selects what updBlock0 refreshes.
type ubWhat int

const (
	ubFname ubWhat = iota
	ubSameDir
)

// fillHeader stores the description of the edited file in a new block 0.
func (m *Memline) fillHeader(h *block.Header) {
	h.SetDirty(m.changed)
	h.SetFileFormat(int(m.ff))
	m.setB0Fname(h)
	if u, err := user.Current(); err == nil {
		h.SetUser(u.Username)
	} else {
		h.SetUser(os.Getenv("USER"))
	}
	if host, err := os.Hostname(); err == nil {
		h.SetHost(host)
	}
	h.SetPid(os.Getpid())
}

// setB0Fname stores the file name, its modification time and inode in block
// 0 and remembers the time and size of the file as it was read.
func (m *Memline) setB0Fname(h *block.Header) {
	if m.fname == "" {
		h.SetFname("")
	} else {
		h.SetFname(swapfile.HomeReplace(m.fname, block.FnameMax))
	}

	var mtime, ino int64
	m.mtimeRead, m.origSize = 0, 0
	if m.fname != "" {
		if st, err := os.Stat(m.fname); err == nil {
			mtime = st.ModTime().Unix()
			m.mtimeRead = mtime
			m.origSize = st.Size()
			if n, ok := swapfile.Inode(m.fname); ok {
				ino = int64(n)
			}
		}
	}
	h.SetMtime(mtime)
	h.SetIno(ino)
	if !h.SetEncoding(m.encoding) {
		m.log.Debug("encoding does not fit in block 0", zap.String("encoding", m.encoding))
	}
}

// updBlock0 refreshes block 0 in memory. It is written on the next sync.
func (m *Memline) updBlock0(what ubWhat) {
	b, err := m.mf.Get(block.HeaderBlock, 1)
	if err != nil {
		m.log.Error("didn't get block 0", zap.Error(err))
		return
	}
	h, err := block.NewHeader(b.Data(), false)
	if err != nil || !h.CheckID() {
		m.log.Error("block 0 has no header id", zap.Error(err))
		m.mf.Put(b, false, false)
		return
	}
	switch what {
	case ubFname:
		m.setB0Fname(h)
	case ubSameDir:
		h.SetSameDir(m.mf.HasFile() && m.fname != "" && swapfile.SameDirectory(m.mf.Name(), m.fname))
	}
	m.mf.Put(b, true, false)
}

// SetFlags writes the changed state, fileformat and encoding into block 0
// and flushes block 0 to the swap file.
func (m *Memline) SetFlags() error {
	if err := m.usable(); err != nil {
		return err
	}
	return m.writeFlags()
}

func (m *Memline) setFlags() {
	if m.mf == nil {
		return
	}
	if err := m.writeFlags(); err != nil {
		m.log.Warn("cannot update block 0", zap.String("swap", m.mf.Name()), zap.Error(err))
	}
}

func (m *Memline) writeFlags() error {
	b, err := m.mf.Get(block.HeaderBlock, 1)
	if err != nil {
		return err
	}
	h, err := block.NewHeader(b.Data(), false)
	if err != nil {
		m.mf.Put(b, false, false)
		return err
	}
	h.SetDirty(m.changed)
	h.SetFileFormat(int(m.ff))
	h.SetEncoding(m.encoding)
	m.mf.Put(b, true, false)

	if !m.mf.HasFile() {
		return nil
	}
	return m.mf.Sync(context.Background(), memfile.SyncZero)
}

// OpenSwap creates the swap file, trying the directories in turn. nil dirs
// and chooser fall back to Options. An existing swap file for the same file
// is handed to the chooser; when it asks to recover or quit, the
// *swapfile.ExistsError is returned.
func (m *Memline) OpenSwap(dirs []string, chooser swapfile.Chooser) (swapfile.FindResult, error) {
	var res swapfile.FindResult
	if err := m.usable(); err != nil {
		return res, err
	}
	if m.mf.HasFile() {
		res.Name = m.mf.Name()
		return res, nil
	}
	if dirs == nil {
		dirs = m.opts.Dirs
	}
	if chooser == nil {
		chooser = m.opts.Chooser
	}
	m.maySwap = false

	found := false
	for i, dir := range dirs {
		r, err := swapfile.FindName(dir, i == len(dirs)-1, found, swapfile.FindOptions{
			FileName:           m.fname,
			Recovered:          m.recovered,
			ShortMessAttention: m.opts.ShortMessAttention,
			Chooser:            chooser,
			Logger:             m.log,
		})
		found = r.FoundExistingDir
		if r.ReadOnly {
			m.readOnly = true
			res.ReadOnly = true
		}
		var exists *swapfile.ExistsError
		if errors.As(err, &exists) {
			return res, err
		}
		if err != nil {
			m.log.Debug("no swap file name in directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if r.Name == "" {
			continue
		}
		if err := m.mf.OpenFile(r.Name); err != nil {
			m.log.Debug("cannot create swap file", zap.String("swap", r.Name), zap.Error(err))
			continue
		}
		m.updBlock0(ubSameDir)
		if err := m.mf.Sync(context.Background(), memfile.SyncZero); err != nil {
			m.log.Debug("cannot write block 0", zap.String("swap", r.Name), zap.Error(err))
			if cerr := m.mf.CloseFile(true); cerr != nil {
				m.log.Warn("cannot remove swap file", zap.String("swap", r.Name), zap.Error(cerr))
			}
			continue
		}
		m.mf.SetDirty()
		if m.opts.MaxCached > 0 {
			m.mf.SetMaxCached(m.opts.MaxCached)
		}
		res.Name = r.Name
		res.FoundExistingDir = found
		m.log.Debug("opened swap file", zap.String("swap", r.Name), zap.String("file", m.fname))
		return res, nil
	}

	m.log.Warn("unable to open swap file, recovery impossible", zap.String("file", m.fname))
	return res, ErrNoSwapFile
}

// CloseSwap stops using the swap file. All blocks are read into memory
// first, so the buffer is kept.
func (m *Memline) CloseSwap(deleteFile bool) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.mf.HasFile() {
		return nil
	}
	if err := m.flushLine(); err != nil {
		return err
	}
	m.mf.SetMaxCached(0)
	for lnum := 1; lnum <= m.lineCount; lnum = m.lockedHigh + 1 {
		if _, err := m.findLine(lnum, findFind); err != nil {
			return err
		}
	}
	if _, err := m.findLine(0, findFlush); err != nil {
		return err
	}
	b0, err := m.mf.Get(block.HeaderBlock, 1)
	if err != nil {
		return err
	}
	m.mf.Put(b0, false, false)
	m.stack.reset()
	m.maySwap = false
	return m.mf.CloseFile(deleteFile)
}

// SetName is called when the edited file gets another name. Block 0 is
// updated and the swap file is renamed to match; nil dirs fall back to
// Options.
func (m *Memline) SetName(newName string, dirs []string) error {
	if err := m.usable(); err != nil {
		return err
	}
	m.fname = newName
	m.updBlock0(ubFname)
	if !m.mf.HasFile() {
		if m.changed && m.opts.UpdateCount > 0 {
			_, err := m.OpenSwap(dirs, nil)
			return err
		}
		return nil
	}
	if dirs == nil {
		dirs = m.opts.Dirs
	}

	old := m.mf.Name()
	found := false
	for i, dir := range dirs {
		r, err := swapfile.FindName(dir, i == len(dirs)-1, found, swapfile.FindOptions{
			FileName:           m.fname,
			OldName:            old,
			Recovered:          m.recovered,
			ShortMessAttention: m.opts.ShortMessAttention,
			Chooser:            m.opts.Chooser,
			Logger:             m.log,
		})
		found = r.FoundExistingDir
		var exists *swapfile.ExistsError
		if errors.As(err, &exists) {
			return err
		}
		if err != nil || r.Name == "" {
			continue
		}
		if r.Name == old {
			m.updBlock0(ubSameDir)
			return m.mf.Sync(context.Background(), memfile.SyncZero)
		}
		if err := m.mf.Rename(r.Name); err != nil {
			m.log.Debug("cannot rename swap file", zap.String("from", old), zap.String("to", r.Name), zap.Error(err))
			continue
		}
		m.updBlock0(ubSameDir)
		return m.mf.Sync(context.Background(), memfile.SyncZero)
	}
	m.log.Error("could not rename swap file", zap.String("swap", old), zap.String("file", newName))
	return errors.Wrapf(ErrNoSwapFile, "could not rename swap file %s", old)
}

// Timestamp records the modification time of the edited file in block 0,
// after the file was written.
func (m *Memline) Timestamp() error {
	if err := m.usable(); err != nil {
		return err
	}
	m.updBlock0(ubFname)
	if !m.mf.HasFile() {
		return nil
	}
	return m.mf.Sync(context.Background(), memfile.SyncZero)
}
