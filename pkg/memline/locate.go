package memline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
)

type findAction int

const (
	findFind   findAction = iota
	findInsert            // a line will be inserted; counts go up on the way
	findDelete            // a line will be deleted; counts go down on the way
	findFlush             // only release the locked block
)

// frame is one pointer block on the path from the root to the locked block.
type frame struct {
	id    block.ID
	low   int // first line below the block
	high  int // last line below the block
	index int // entry followed to the next level
}

// frameStack records the path of the last descent.
type frameStack struct {
	frames []frame
	top    int
}

func (s *frameStack) push(f frame) int {
	if s.top < len(s.frames) {
		s.frames[s.top] = f
	} else {
		s.frames = append(s.frames, f)
	}
	s.top++
	return s.top - 1
}

func (s *frameStack) reset() {
	s.top = 0
}

// findLine locks the data block holding line lnum and returns it.
//
// For findInsert and findDelete the line counts in the pointer blocks on the
// path are adjusted on the way down. When the locked block can be reused the
// adjustment is only recorded in lockedLineAdd and applied with lineAdd when
// the block is released. findFlush releases the locked block and returns nil.
func (m *Memline) findLine(lnum int, action findAction) (*block.DataBlock, error) {
	mf := m.mf

	if m.locked != nil {
		if action != findFlush && m.lockedLow <= lnum && lnum <= m.lockedHigh {
			switch action {
			case findInsert:
				m.lockedLineAdd++
				m.lockedHigh++
			case findDelete:
				m.lockedLineAdd--
				m.lockedHigh--
			}
			return block.NewDataBlock(m.locked.Data(), false), nil
		}
		mf.Put(m.locked, m.flags&flagLockedDirty != 0, m.flags&flagLockedPos != 0)
		m.locked = nil
		if m.lockedLineAdd != 0 {
			m.lineAdd(m.lockedLineAdd)
			m.lockedLineAdd = 0
		}
	}
	if action == findFlush {
		return nil, nil
	}

	id := block.RootBlock
	pages := 1
	low, high := 1, m.lineCount

	// A FIND can start at the deepest block of the last path that covers
	// lnum.
	if action == findFind {
		top := m.stack.top - 1
		for ; top >= 0; top-- {
			f := &m.stack.frames[top]
			if f.low <= lnum && lnum <= f.high {
				id, low, high = f.id, f.low, f.high
				m.stack.top = top
				break
			}
		}
		if top < 0 {
			m.stack.reset()
		}
	} else {
		m.stack.reset()
	}

	var err error
	for {
		b, gerr := mf.Get(id, pages)
		if gerr != nil {
			err = errors.Wrap(gerr, "find line")
			break
		}
		switch action {
		case findInsert:
			high++
		case findDelete:
			high--
		}

		data := b.Data()
		if block.Kind(data) == block.DataID {
			m.locked = b
			m.lockedLow = low
			m.lockedHigh = high
			m.lockedLineAdd = 0
			m.flags &^= flagLockedDirty | flagLockedPos
			return block.NewDataBlock(data, false), nil
		}

		pp := block.NewPointerBlock(data, false)
		if cerr := pp.Check(); cerr != nil {
			mf.Put(b, false, false)
			err = m.internalError("pointer block id wrong", zap.Stringer("block", id), zap.Error(cerr))
			break
		}

		top := m.stack.push(frame{id: id, low: low, high: high, index: -1})
		dirty := false
		count := pp.Count()
		idx := 0
		for ; idx < count; idx++ {
			e, _ := pp.Entry(idx)
			t := int(e.LineCount)
			low += t
			if low > lnum {
				m.stack.frames[top].index = idx
				id = e.Block
				pages = e.PageCount
				high = low - 1
				low -= t

				// A child written since the entry was made has moved to a
				// real position.
				if !id.Assigned() {
					if nr, ok := mf.Trans(id); ok {
						id = nr
						pp.SetBlock(idx, id)
						dirty = true
					}
				}
				break
			}
		}
		if idx >= count {
			mf.Put(b, false, false)
			m.stack.top--
			if lnum > m.lineCount {
				err = errors.Wrapf(ErrLineNotFound, "line number %d out of range (%d lines)", lnum, m.lineCount)
				m.log.Error("line number out of range", zap.Int("lnum", lnum), zap.Int("count", m.lineCount))
			} else {
				err = m.internalError("line count wrong in block", zap.Stringer("block", m.stack.frames[top].id), zap.Int("lnum", lnum))
			}
			break
		}

		switch action {
		case findDelete:
			pp.AddLineCount(idx, -1)
			dirty = true
		case findInsert:
			pp.AddLineCount(idx, 1)
			dirty = true
		}
		mf.Put(b, dirty, false)
	}

	// Undo the counts changed on the way down.
	switch action {
	case findDelete:
		m.lineAdd(1)
	case findInsert:
		m.lineAdd(-1)
	}
	m.stack.reset()
	return nil, err
}

// lineAdd adds count to the line count of every entry on the stack.
func (m *Memline) lineAdd(count int) {
	for idx := m.stack.top - 1; idx >= 0; idx-- {
		f := &m.stack.frames[idx]
		b, err := m.mf.Get(f.id, 1)
		if err != nil {
			m.log.Error("cannot get pointer block", zap.Stringer("block", f.id), zap.Error(err))
			break
		}
		pp := block.NewPointerBlock(b.Data(), false)
		if !pp.Valid() || f.index < 0 {
			m.mf.Put(b, false, false)
			m.log.Error("pointer block id wrong 2", zap.Stringer("block", f.id))
			break
		}
		pp.AddLineCount(f.index, int64(count))
		f.high += count
		m.mf.Put(b, true, false)
	}
}
