package memline

import "github.com/pkg/errors"

// FindLineOrOffset converts between line numbers and byte offsets using the
// chunk index.
//
// With lnum > 0 it returns the byte offset at which line lnum starts; lnum
// may be one past the last line to get the size of the buffer. With lnum == 0
// it returns the line containing byte offset offset (counting from 0) and
// the offset within that line. Line endings count one byte, two for the dos
// fileformat.
//
// Once the chunk index became invalid ErrChunkIndexInvalid is returned; the
// caller can fall back to ScanLineOrOffset.
func (m *Memline) FindLineOrOffset(lnum, offset int) (int, int, error) {
	if err := m.usable(); err != nil {
		return 0, 0, err
	}
	if err := m.flushLine(); err != nil {
		return 0, 0, err
	}
	if m.chunks.invalid {
		return 0, 0, ErrChunkIndexInvalid
	}
	if lnum < 0 {
		return 0, 0, errors.Wrapf(ErrLineNotFound, "line %d", lnum)
	}
	if lnum == 0 {
		if offset <= 0 {
			return 1, 0, nil
		}
		return m.lineAtOffset(offset)
	}
	n, err := m.lineOffset(lnum)
	return n, 0, err
}

func (m *Memline) eolExtra() int {
	if m.ff == FormatDos {
		return 1
	}
	return 0
}

func (m *Memline) lineOffset(lnum int) (int, error) {
	chunks := m.chunks.chunks
	curline, size := 1, 0
	for ix := 0; ix < len(chunks)-1 && lnum >= curline+chunks[ix].lines; ix++ {
		curline += chunks[ix].lines
		size += chunks[ix].size
	}

	for curline < lnum {
		if curline > m.lineCount {
			return 0, errors.Wrapf(ErrLineNotFound, "line %d of %d", lnum, m.lineCount)
		}
		dp, err := m.findLine(curline, findFind)
		if err != nil {
			return 0, err
		}
		count := m.lockedHigh - m.lockedLow + 1
		idx := curline - m.lockedLow
		last := count - 1
		if curline+(count-idx) >= lnum {
			last = idx + lnum - curline - 1
		}
		size += dp.Span(idx, last)
		curline += last - idx + 1
	}

	extra := m.eolExtra()
	size += extra * (lnum - 1)
	if m.noEOL && lnum > m.lineCount {
		size -= extra + 1
	}
	return size, nil
}

func (m *Memline) lineAtOffset(offset int) (int, int, error) {
	chunks := m.chunks.chunks
	extra := m.eolExtra()
	curline, size := 1, 0
	for ix := 0; ix < len(chunks)-1 && offset > size+chunks[ix].size+extra*chunks[ix].lines; ix++ {
		curline += chunks[ix].lines
		size += chunks[ix].size + extra*chunks[ix].lines
	}

	for curline <= m.lineCount {
		dp, err := m.findLine(curline, findFind)
		if err != nil {
			return 0, 0, err
		}
		count := m.lockedHigh - m.lockedLow + 1
		for idx := curline - m.lockedLow; idx < count; idx++ {
			n := dp.Size(idx) + extra
			if offset < size+n {
				return curline, offset - size, nil
			}
			size += n
			curline++
		}
	}
	return 0, 0, errors.Wrapf(ErrLineNotFound, "offset %d beyond end (%d bytes)", offset, size)
}

// ScanLineOrOffset computes the same as FindLineOrOffset by reading every
// line before the target.
func (m *Memline) ScanLineOrOffset(lnum, offset int) (int, int, error) {
	if err := m.usable(); err != nil {
		return 0, 0, err
	}
	if lnum < 0 {
		return 0, 0, errors.Wrapf(ErrLineNotFound, "line %d", lnum)
	}
	extra := m.eolExtra()
	if lnum > 0 {
		if lnum > m.lineCount+1 {
			return 0, 0, errors.Wrapf(ErrLineNotFound, "line %d of %d", lnum, m.lineCount)
		}
		size := 0
		for i := 1; i < lnum; i++ {
			n, err := m.GetLength(i)
			if err != nil {
				return 0, 0, err
			}
			size += n + 1 + extra
		}
		if m.noEOL && lnum > m.lineCount {
			size -= extra + 1
		}
		return size, 0, nil
	}

	if offset <= 0 {
		return 1, 0, nil
	}
	pos := 0
	for i := 1; i <= m.lineCount; i++ {
		n, err := m.GetLength(i)
		if err != nil {
			return 0, 0, err
		}
		n += 1 + extra
		if offset < pos+n {
			return i, offset - pos, nil
		}
		pos += n
	}
	return 0, 0, errors.Wrapf(ErrLineNotFound, "offset %d beyond end (%d bytes)", offset, pos)
}

// LineOffset returns the byte offset at which line lnum starts. It uses the
// chunk index and falls back to a scan once the index is invalid.
func (m *Memline) LineOffset(lnum int) (int, error) {
	if lnum < 1 {
		return 0, errors.Wrapf(ErrLineNotFound, "line %d", lnum)
	}
	off, _, err := m.FindLineOrOffset(lnum, 0)
	if errors.Is(err, ErrChunkIndexInvalid) {
		off, _, err = m.ScanLineOrOffset(lnum, 0)
	}
	return off, err
}

// OffsetLine returns the line containing byte offset offset and the offset
// within that line, falling back to a scan like LineOffset.
func (m *Memline) OffsetLine(offset int) (lnum, rest int, err error) {
	lnum, rest, err = m.FindLineOrOffset(0, offset)
	if errors.Is(err, ErrChunkIndexInvalid) {
		lnum, rest, err = m.ScanLineOrOffset(0, offset)
	}
	return lnum, rest, err
}
