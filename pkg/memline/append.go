package memline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/memfile"
)

// splitPolicy is the outcome of deciding how a full data block is split to
// make room for a new line.
type splitPolicy struct {
	// inLeft puts the new line in the left block.
	inLeft bool
	// linesMoved is the number of lines moved to the right block.
	linesMoved int
	// space is the room needed in the new block.
	space int
}

// decideSplit splits after line dbIdx of dp, which holds count lines. A
// negative dbIdx inserts before the first line and gets a new left block.
// Lines after the insert point always move to the new right block; the new
// line stays left when it fits there after the move.
func decideSplit(dp *block.DataBlock, dbIdx, count, space int) splitPolicy {
	if dbIdx < 0 {
		return splitPolicy{inLeft: true, space: space}
	}
	moved := count - dbIdx - 1
	if moved == 0 {
		return splitPolicy{space: space}
	}
	total := dp.Offset(dbIdx) - dp.TxtStart() + moved*block.IndexSize
	if dp.Free()+total >= space {
		return splitPolicy{inLeft: true, linesMoved: moved, space: total}
	}
	return splitPolicy{linesMoved: moved, space: space + total}
}

// appendInt inserts text after line lnum.
func (m *Memline) appendInt(lnum int, text []byte, newFile, mark bool) error {
	if lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "append after line %d of %d", lnum, m.lineCount)
	}
	if m.lowestMarked > lnum {
		m.lowestMarked = lnum + 1
	}

	size := len(text) + 1
	space := size + block.IndexSize

	find := lnum
	if find == 0 {
		find = 1
	}
	dp, err := m.findLine(find, findInsert)
	if err != nil {
		return err
	}
	m.flags &^= flagEmpty

	dbIdx := -1
	if lnum != 0 {
		dbIdx = lnum - m.lockedLow
	}
	// number of lines in the block before the insert
	count := m.lockedHigh - m.lockedLow

	// Appending after the last line of a full block: try the start of the
	// next block instead.
	if dp.Free() < space && dbIdx >= count-1 && lnum < m.lineCount {
		m.lockedLineAdd--
		m.lockedHigh--
		if dp, err = m.findLine(lnum+1, findInsert); err != nil {
			return err
		}
		dbIdx = -1
		count = m.lockedHigh - m.lockedLow
		if m.lockedLow != lnum+1 {
			m.log.Error("locked low != lnum+1", zap.Int("low", m.lockedLow), zap.Int("lnum", lnum))
		}
	}

	m.lineCount++

	if dp.Free() >= space {
		if err := dp.Insert(dbIdx+1, text, mark); err != nil {
			return m.internalError("insert line", zap.Error(err))
		}
		m.flags |= flagLockedDirty
		if !newFile {
			m.flags |= flagLockedPos
		}
	} else if err := m.splitData(dp, lnum, dbIdx, count, text, newFile, mark, space); err != nil {
		return err
	}

	m.updateChunk(lnum+1, size, chunkAdd)
	return nil
}

// splitData makes room for text by moving lines of the locked block dp to a
// new data block, then adds the new block to the pointer blocks above.
func (m *Memline) splitData(dp *block.DataBlock, lnum, dbIdx, count int, text []byte, newFile, mark bool, space int) error {
	mf := m.mf
	pageSize := mf.PageSize()
	policy := decideSplit(dp, dbIdx, count, space)

	pages := block.PageCount(policy.space+block.DataHeaderSize, pageSize)
	hpNew := mf.New(newFile, pages)
	dpNew := block.NewDataBlock(hpNew.Data(), true)

	var (
		hpLeft, hpRight *memfile.Block
		dpLeft, dpRight *block.DataBlock
	)
	if dbIdx < 0 {
		hpLeft, dpLeft = hpNew, dpNew
		hpRight, dpRight = m.locked, dp
	} else {
		hpLeft, dpLeft = m.locked, dp
		hpRight, dpRight = hpNew, dpNew
	}

	if !policy.inLeft {
		if err := dpRight.Insert(0, text, mark); err != nil {
			return m.internalError("insert line in new block", zap.Error(err))
		}
	}
	if policy.linesMoved > 0 {
		if err := dp.MoveTail(dpRight, dbIdx+1); err != nil {
			return m.internalError("move lines to new block", zap.Error(err))
		}
	}
	if policy.inLeft {
		if err := dpLeft.Insert(dpLeft.LineCount(), text, mark); err != nil {
			return m.internalError("insert line in left block", zap.Error(err))
		}
	}

	// Line numbers in the original file, used by recovery.
	var lnumLeft, lnumRight int64
	if dbIdx < 0 {
		lnumLeft = int64(lnum) + 1
	} else if policy.inLeft {
		lnumRight = int64(lnum) + 2
	} else {
		lnumRight = int64(lnum) + 1
	}

	if policy.linesMoved > 0 || policy.inLeft {
		m.flags |= flagLockedDirty
	}
	if !newFile && dbIdx >= 0 && policy.inLeft {
		m.flags |= flagLockedPos
	}

	left := block.Entry{Block: hpLeft.ID(), LineCount: int64(dpLeft.LineCount()), PageCount: hpLeft.Pages()}
	right := block.Entry{Block: hpRight.ID(), LineCount: int64(dpRight.LineCount()), PageCount: hpRight.Pages()}
	mf.Put(hpNew, true, false)

	// The counts of the new blocks are exact; what was collected for the
	// locked block only applies further up.
	lineAdd := m.lockedLineAdd
	m.lockedLineAdd = 0
	m.findLine(0, findFlush)

	return m.insertEntries(left, right, lnumLeft, lnumRight, lineAdd)
}

// insertEntries replaces the entry on top of the stack with left and right,
// splitting full pointer blocks up to the root. The root always stays block
// 1: when it is full its entries move to a new block below it.
func (m *Memline) insertEntries(left, right block.Entry, lnumLeft, lnumRight int64, lineAdd int) error {
	mf := m.mf
	stackIdx := m.stack.top - 1
	for ; stackIdx >= 0; stackIdx-- {
		f := &m.stack.frames[stackIdx]
		pbIdx := f.index
		hp, err := mf.Get(f.id, 1)
		if err != nil {
			return errors.Wrap(err, "get pointer block")
		}
		pp := block.NewPointerBlock(hp.Data(), false)
		if !pp.Valid() {
			mf.Put(hp, false, false)
			return m.internalError("pointer block id wrong 3", zap.Stringer("block", f.id))
		}
		old, err := pp.Entry(pbIdx)
		if err != nil {
			mf.Put(hp, false, false)
			return m.internalError("pointer entry out of range", zap.Stringer("block", f.id), zap.Error(err))
		}

		if !pp.Full() {
			right.OldLnum = old.OldLnum
			if lnumRight != 0 {
				right.OldLnum = lnumRight
			}
			left.OldLnum = old.OldLnum
			if lnumLeft != 0 {
				left.OldLnum = lnumLeft
			}
			pp.Insert(pbIdx+1, right)
			pp.SetEntry(pbIdx, left)
			mf.Put(hp, true, false)

			m.stack.top = stackIdx + 1
			if lineAdd != 0 {
				m.stack.top--
				m.lineAdd(lineAdd)
				m.stack.frames[m.stack.top].high += lineAdd
				m.stack.top++
			}
			return nil
		}

		// Pointer block full: split it.
		var hpNew *memfile.Block
		var ppNew *block.PointerBlock
		for {
			hpNew = mf.New(false, 1)
			ppNew = block.NewPointerBlock(hpNew.Data(), true)
			if hp.ID() != block.RootBlock {
				break
			}
			// The tree gets a level: block 1 gets a single entry for a copy
			// of itself, and the copy is split.
			copy(hpNew.Data(), hp.Data())
			pp.SetCount(0)
			pp.Insert(0, block.Entry{
				Block:     hpNew.ID(),
				LineCount: int64(m.lineCount),
				OldLnum:   1,
				PageCount: 1,
			})
			mf.Put(hp, true, false)
			hp = hpNew
			pp = block.NewPointerBlock(hp.Data(), false)
			if stackIdx != 0 {
				m.log.Error("stack index should be 0", zap.Int("stackIdx", stackIdx))
			}
			f.index = 0
			stackIdx++ // block 1 gets its new entry on the next round
		}

		right.OldLnum = old.OldLnum
		if lnumRight != 0 {
			right.OldLnum = lnumRight
		}
		if pbIdx+1 < pp.Count() {
			if _, err := pp.MoveTail(ppNew, pbIdx+1); err != nil {
				return m.internalError("move pointer entries", zap.Error(err))
			}
			pp.Insert(pbIdx+1, right)
		} else {
			right.OldLnum = lnumRight
			ppNew.Insert(0, right)
		}
		left.OldLnum = old.OldLnum
		if lnumLeft != 0 {
			left.OldLnum = lnumLeft
		}
		pp.SetEntry(pbIdx, left)
		lnumLeft, lnumRight = 0, 0

		left = block.Entry{Block: hp.ID(), LineCount: pp.LineTotal(), PageCount: 1}
		right = block.Entry{Block: hpNew.ID(), LineCount: ppNew.LineTotal(), PageCount: 1}
		mf.Put(hp, true, false)
		mf.Put(hpNew, true, false)
	}

	m.log.Error("updated too many blocks")
	m.stack.reset()
	return nil
}
