package memline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
)

// deleteInt removes line lnum. Blocks that become empty are freed, up to
// (not including) the root.
func (m *Memline) deleteInt(lnum int) error {
	if lnum < 1 || lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "delete line %d of %d", lnum, m.lineCount)
	}
	if m.lowestMarked > lnum {
		m.lowestMarked--
	}

	// The last line is never removed, only emptied.
	if m.lineCount == 1 {
		err := m.replaceInt(1, nil)
		m.flags |= flagEmpty
		return err
	}

	dp, err := m.findLine(lnum, findDelete)
	if err != nil {
		return err
	}
	// lines in the block before the delete
	count := m.lockedHigh - m.lockedLow + 2
	idx := lnum - m.lockedLow
	m.lineCount--
	lineSize := dp.Size(idx)

	if count == 1 {
		m.mf.Free(m.locked)
		m.locked = nil
		if err := m.removeEntry(); err != nil {
			return err
		}
	} else {
		if _, err := dp.Delete(idx); err != nil {
			return m.internalError("delete line", zap.Int("lnum", lnum), zap.Error(err))
		}
		m.flags |= flagLockedDirty | flagLockedPos
	}

	m.updateChunk(lnum, lineSize, chunkDel)
	return nil
}

// removeEntry drops the entry of the freed data block from its parent,
// freeing pointer blocks that become empty.
func (m *Memline) removeEntry() error {
	stackIdx := m.stack.top - 1
	for ; stackIdx >= 0; stackIdx-- {
		m.stack.reset()
		f := m.stack.frames[stackIdx]
		b, err := m.mf.Get(f.id, 1)
		if err != nil {
			return errors.Wrap(err, "get pointer block")
		}
		pp := block.NewPointerBlock(b.Data(), false)
		if !pp.Valid() {
			m.mf.Put(b, false, false)
			return m.internalError("pointer block id wrong 4", zap.Stringer("block", f.id))
		}
		if err := pp.Remove(f.index); err != nil {
			m.mf.Put(b, false, false)
			return m.internalError("remove pointer entry", zap.Stringer("block", f.id), zap.Error(err))
		}
		if pp.Count() == 0 && f.id != block.RootBlock {
			m.mf.Free(b)
			continue
		}

		m.mf.Put(b, true, false)
		m.stack.top = stackIdx
		if m.lockedLineAdd != 0 {
			m.lineAdd(m.lockedLineAdd)
			m.stack.frames[m.stack.top].high += m.lockedLineAdd
		}
		m.stack.top++
		break
	}
	m.lockedLineAdd = 0
	if stackIdx < 0 {
		m.log.Error("deleted block 1?")
	}
	return nil
}
