package memline

import (
	"slices"

	"go.uber.org/zap"
)

const (
	chunkMaxLines = 800 // a chunk reaching this many lines is split
	chunkMinLines = 400 // adjacent chunks up to this many lines are merged
)

type chunkOp int

const (
	chunkAdd chunkOp = iota
	chunkDel
	chunkUpd
)

// chunk is a run of lines and the number of bytes they use, NULs included.
type chunk struct {
	lines int
	size  int
}

// chunkCursor remembers the chunk of the last added line, so that adding
// lines one after another does not search the table every time.
type chunkCursor struct {
	valid bool
	line  int // line last added
	first int // first line of chunk ix
	ix    int
}

// chunkIndex maps line numbers to byte offsets without reading every line.
// Once invalid it stays invalid.
type chunkIndex struct {
	chunks  []chunk
	invalid bool
	cursor  chunkCursor
}

// newChunkIndex returns the index of a buffer with one empty line.
func newChunkIndex() chunkIndex {
	return chunkIndex{chunks: []chunk{{lines: 1, size: 1}}}
}

func (ci *chunkIndex) invalidate() {
	ci.invalid = true
	ci.chunks = nil
	ci.cursor = chunkCursor{}
}

// check invalidates the index when a count went negative.
func (ci *chunkIndex) check() {
	if len(ci.chunks) == 0 {
		ci.invalidate()
		return
	}
	for _, c := range ci.chunks {
		if c.lines < 0 || c.size < 0 {
			ci.invalidate()
			return
		}
	}
}

// updateChunk records that line changed: chunkAdd for a new line of n bytes,
// chunkDel for a deleted line of n bytes, chunkUpd for a line that changed by
// n bytes.
func (m *Memline) updateChunk(line, n int, op chunkOp) {
	ci := &m.chunks
	if ci.invalid || n == 0 {
		return
	}
	if op == chunkUpd && m.lineCount == 1 {
		ci.chunks = append(ci.chunks[:0], chunk{lines: 1, size: len(m.line) + 1})
		ci.cursor = chunkCursor{}
		return
	}

	first, ix := ci.cursor.first, ci.cursor.ix
	if !ci.cursor.valid || line != ci.cursor.line+1 || op != chunkAdd {
		first, ix = 1, 0
		for ix < len(ci.chunks)-1 && line >= first+ci.chunks[ix].lines {
			first += ci.chunks[ix].lines
			ix++
		}
	} else if ix < len(ci.chunks)-1 && line >= first+ci.chunks[ix].lines {
		first += ci.chunks[ix].lines
		ix++
	}
	if ix >= len(ci.chunks) {
		m.log.Error("chunk cursor outside the table", zap.Int("ix", ix), zap.Int("chunks", len(ci.chunks)))
		ci.invalidate()
		return
	}

	if op == chunkDel {
		n = -n
	}
	ci.chunks[ix].size += n

	switch op {
	case chunkAdd:
		ci.chunks[ix].lines++
		if ci.chunks[ix].lines >= chunkMaxLines {
			m.splitChunk(ix, first)
			return
		}
		if ci.chunks[ix].lines >= chunkMinLines && ix == len(ci.chunks)-1 && m.lineCount-line <= 1 {
			// Last chunk: starting a new one now is cheap.
			if !m.startChunk(line) {
				return
			}
		}
	case chunkDel:
		ci.chunks[ix].lines--
		ci.cursor.valid = false
		switch {
		case ix < len(ci.chunks)-1 && ci.chunks[ix].lines+ci.chunks[ix+1].lines <= chunkMinLines:
			ix++
		case ix == 0 && ci.chunks[ix].lines <= 0:
			ci.chunks = slices.Delete(ci.chunks, 0, 1)
			ci.check()
			return
		case ix == 0 || (ci.chunks[ix].lines > 10 && ci.chunks[ix].lines+ci.chunks[ix-1].lines > chunkMinLines):
			ci.check()
			return
		}
		ci.chunks[ix-1].lines += ci.chunks[ix].lines
		ci.chunks[ix-1].size += ci.chunks[ix].size
		ci.chunks = slices.Delete(ci.chunks, ix, ix+1)
		ci.check()
		return
	}

	ci.cursor = chunkCursor{valid: true, line: line, first: first, ix: ix}
	ci.check()
}

// splitChunk splits chunk ix, starting at line first, after its first
// chunkMinLines lines. Their size is read from the data blocks.
func (m *Memline) splitChunk(ix, first int) {
	ci := &m.chunks
	ci.chunks = slices.Insert(ci.chunks, ix+1, ci.chunks[ix])

	size, lines := 0, 0
	for first < m.lineCount && lines < chunkMinLines {
		dp, err := m.findLine(first, findFind)
		if err != nil {
			m.log.Error("chunk split: cannot find line", zap.Int("lnum", first), zap.Error(err))
			ci.invalidate()
			return
		}
		count := m.lockedHigh - m.lockedLow + 1
		idx := first - m.lockedLow
		start := idx
		first = m.lockedHigh + 1
		if rest := count - idx; lines+rest > chunkMinLines {
			idx += chunkMinLines - lines - 1
			lines = chunkMinLines
		} else {
			idx = count - 1
			lines += rest
		}
		size += dp.Span(start, idx)
	}

	ci.chunks[ix].lines = lines
	ci.chunks[ix+1].lines -= lines
	ci.chunks[ix].size = size
	ci.chunks[ix+1].size -= size
	ci.cursor = chunkCursor{}
	ci.check()
}

// startChunk adds a chunk after the last one. When line is the last line the
// new chunk starts empty, otherwise the last line moves into it. It returns
// false when the index had to be given up.
func (m *Memline) startChunk(line int) bool {
	ci := &m.chunks
	if line == m.lineCount {
		ci.chunks = append(ci.chunks, chunk{})
		return true
	}
	dp, err := m.findLine(m.lineCount, findFind)
	if err != nil {
		m.log.Error("new chunk: cannot find last line", zap.Error(err))
		ci.invalidate()
		return false
	}
	n := dp.LineCount()
	rest := dp.Size(n - 1)
	ci.chunks = append(ci.chunks, chunk{lines: 1, size: rest})
	prev := &ci.chunks[len(ci.chunks)-2]
	prev.size -= rest
	prev.lines--
	return true
}
