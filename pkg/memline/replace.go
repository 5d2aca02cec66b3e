package memline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Replace sets line lnum to text. The new text is kept as the cached line
// and only written to its block when another line is accessed, a line is
// added or deleted, or the memline is synced.
func (m *Memline) Replace(lnum int, text string) error {
	if err := m.usable(); err != nil {
		return err
	}
	if err := checkText(text); err != nil {
		return err
	}
	if lnum < 1 || lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "replace line %d of %d", lnum, m.lineCount)
	}
	if err := m.replaceInt(lnum, []byte(text)); err != nil {
		return err
	}
	m.noteChange()
	return nil
}

func (m *Memline) replaceInt(lnum int, text []byte) error {
	if m.lineLnum != lnum {
		if err := m.flushLine(); err != nil {
			return err
		}
	}
	m.line = append(m.line[:0], text...)
	m.lineLnum = lnum
	m.flags = (m.flags | flagLineDirty) &^ flagEmpty
	return nil
}

// flushLine writes a changed cached line to its data block. When the block
// has no room the line is appended as a new line and the old one deleted,
// keeping its mark.
func (m *Memline) flushLine() error {
	if m.lineLnum == 0 {
		return nil
	}
	var err error
	if m.flags&flagLineDirty != 0 {
		if m.flushing {
			return nil
		}
		m.flushing = true
		err = m.writeLine(m.lineLnum)
		m.flushing = false
		m.flags &^= flagLineDirty
	}
	m.lineLnum = 0
	return err
}

func (m *Memline) writeLine(lnum int) error {
	dp, err := m.findLine(lnum, findFind)
	if err != nil {
		m.log.Error("cannot find line", zap.Int("lnum", lnum), zap.Error(err))
		return err
	}
	idx := lnum - m.lockedLow
	extra, ok, err := dp.Replace(idx, m.line)
	if err != nil {
		return m.internalError("replace line", zap.Int("lnum", lnum), zap.Error(err))
	}
	if ok {
		m.flags |= flagLockedDirty | flagLockedPos
		m.updateChunk(lnum, extra, chunkUpd)
		return nil
	}

	// Append first: the last line of a buffer cannot be deleted.
	if err := m.appendInt(lnum, m.line, false, dp.IsMarked(idx)); err != nil {
		return err
	}
	return m.deleteInt(lnum)
}
