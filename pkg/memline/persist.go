package memline

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/memfile"
)

// Sync writes the changed blocks to the swap file. Blocks that only exist
// for a file being read stay unassigned unless CheckFile finds that the
// edited file was changed or removed since it was read; then the buffer is
// preserved. A memline without a swap file has nothing to sync.
func (m *Memline) Sync(ctx context.Context, opts SyncOptions) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.mf.HasFile() {
		return nil
	}
	if err := m.flushLine(); err != nil {
		return err
	}
	if _, err := m.findLine(0, findFlush); err != nil {
		return err
	}

	if m.changed && opts.CheckFile && m.mf.NeedTrans() && m.fname != "" && m.originalChanged() {
		m.log.Info("edited file changed on disk, preserving", zap.String("file", m.fname))
		if err := m.Preserve(ctx, opts.Fsync); err != nil {
			return err
		}
	}

	if m.mf.Dirty() {
		var flags memfile.SyncFlags
		if opts.Stop {
			flags |= memfile.SyncStop
		}
		if opts.Fsync && m.changed {
			flags |= memfile.SyncFlush
		}
		if err := m.mf.Sync(ctx, flags); err != nil && !errors.Is(err, memfile.ErrReadOnly) {
			return err
		}
	}
	m.changes = 0
	return nil
}

// originalChanged reports whether the edited file is gone or differs in
// modification time or size from when it was read.
func (m *Memline) originalChanged() bool {
	st, err := os.Stat(m.fname)
	if err != nil {
		return true
	}
	return st.ModTime().Unix() != m.mtimeRead || st.Size() != m.origSize
}

// Preserve writes every block to the swap file, including the ones that were
// read from the edited file, and rewrites the pointer blocks to their final
// positions. Afterwards the buffer can be recovered from the swap file alone.
func (m *Memline) Preserve(ctx context.Context, fsync bool) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.mf.HasFile() {
		return ErrNoSwapFile
	}
	if err := m.flushLine(); err != nil {
		return err
	}
	if _, err := m.findLine(0, findFlush); err != nil {
		return err
	}

	flags := memfile.SyncAll
	if fsync {
		flags |= memfile.SyncFlush
	}
	if err := m.mf.Sync(ctx, flags); err != nil {
		m.log.Error("preserve failed", zap.String("swap", m.mf.Name()), zap.Error(err))
		return errors.Wrap(err, "preserve failed")
	}
	// Block numbers changed; the stack is stale.
	m.stack.reset()

	if m.mf.NeedTrans() && ctx.Err() == nil {
		for lnum := 1; m.mf.NeedTrans() && lnum <= m.lineCount; {
			if _, err := m.findLine(lnum, findFind); err != nil {
				return errors.Wrap(err, "preserve failed")
			}
			if m.lockedLow != lnum {
				return m.internalError("low != lnum", zap.Int("low", m.lockedLow), zap.Int("lnum", lnum))
			}
			lnum = m.lockedHigh + 1
		}
		if _, err := m.findLine(0, findFlush); err != nil {
			return err
		}
		if err := m.mf.Sync(ctx, flags); err != nil {
			m.log.Error("preserve failed", zap.String("swap", m.mf.Name()), zap.Error(err))
			return errors.Wrap(err, "preserve failed")
		}
		m.stack.reset()
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "preserve interrupted")
	}

	m.preserved = true
	m.log.Info("file preserved", zap.String("swap", m.mf.Name()), zap.Int("lines", m.lineCount))
	return nil
}

// Preserved reports whether Preserve succeeded. A preserved swap file is kept
// by Registry.CloseAll.
func (m *Memline) Preserved() bool {
	return m.preserved
}
