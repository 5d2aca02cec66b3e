package block

import (
	"bytes"

	"github.com/pkg/errors"
)

// DataBlock provides operations on a data block's raw byte slice.
// The layout is:
//   - Header: 24 bytes (id, free, txtStart, txtEnd, lineCount)
//   - Index: [uint32 × lineCount] starting at offset 24, growing forward
//   - Text: NUL-terminated lines packed backward from txtEnd
//
// Line 0 sits at the end of the block, each following line just below the
// previous one, so index values strictly decrease. The top bit of an index
// entry is the marked flag.
type DataBlock struct {
	data []byte
}

const (
	// DataHeaderSize is the size of the data block header in bytes.
	DataHeaderSize = 24

	// IndexSize is the size of one index entry.
	IndexSize = 4

	// Marked is the index bit used to mark a line.
	Marked uint32 = 1 << 31

	indexMask = ^Marked
)

// Header layout:
// Byte 0-1: id
// Byte 4-7: free space
// Byte 8-11: start of text
// Byte 12-15: end of text (block size, or less when damaged)
// Byte 16-23: line count
const (
	dataFreeOff      = 4
	dataTxtStartOff  = 8
	dataTxtEndOff    = 12
	dataLineCountOff = 16
)

// NewDataBlock creates a data block wrapper around raw bytes.
// If init is true, initializes the block as empty.
func NewDataBlock(data []byte, init bool) *DataBlock {
	d := &DataBlock{data: data}
	if init {
		clear(data)
		order.PutUint16(data[0:2], DataID)
		d.setTxtStart(len(data))
		d.setTxtEnd(len(data))
		d.setFree(len(data) - DataHeaderSize)
		d.setLineCount(0)
	}
	return d
}

// Bytes returns the underlying bytes.
func (d *DataBlock) Bytes() []byte {
	return d.data
}

// Valid reports whether the block carries the data block id.
func (d *DataBlock) Valid() bool {
	return Kind(d.data) == DataID
}

// Check verifies that the header fits the block.
func (d *DataBlock) Check() error {
	if !d.Valid() {
		return errors.Wrap(ErrBadID, "data block")
	}
	n := d.LineCount()
	if d.TxtEnd() > len(d.data) || d.TxtStart() > d.TxtEnd() ||
		n < 0 || DataHeaderSize+n*IndexSize > d.TxtStart() {
		return errors.Wrapf(ErrOutOfRange, "data block header (start %d, end %d, lines %d, size %d)",
			d.TxtStart(), d.TxtEnd(), n, len(d.data))
	}
	return nil
}

// Free returns the number of unused bytes between the index and the text.
func (d *DataBlock) Free() int {
	return int(order.Uint32(d.data[dataFreeOff:]))
}

func (d *DataBlock) setFree(n int) {
	order.PutUint32(d.data[dataFreeOff:], uint32(n))
}

// TxtStart returns the offset of the lowest text byte.
func (d *DataBlock) TxtStart() int {
	return int(order.Uint32(d.data[dataTxtStartOff:]))
}

func (d *DataBlock) setTxtStart(n int) {
	order.PutUint32(d.data[dataTxtStartOff:], uint32(n))
}

// TxtEnd returns the offset just past the first line.
func (d *DataBlock) TxtEnd() int {
	return int(order.Uint32(d.data[dataTxtEndOff:]))
}

func (d *DataBlock) setTxtEnd(n int) {
	order.PutUint32(d.data[dataTxtEndOff:], uint32(n))
}

// SetTxtEnd overrides the text end. Recovery uses it to repair a damaged
// header from the page count recorded in the parent.
func (d *DataBlock) SetTxtEnd(n int) {
	if n > len(d.data) {
		n = len(d.data)
	}
	d.setTxtEnd(n)
	if n > 0 {
		d.data[n-1] = 0
	}
}

// LineCount returns the number of lines stored in the block.
func (d *DataBlock) LineCount() int {
	return int(int64(order.Uint64(d.data[dataLineCountOff:])))
}

func (d *DataBlock) setLineCount(n int) {
	order.PutUint64(d.data[dataLineCountOff:], uint64(int64(n)))
}

// maxIndex returns how many index entries fit in front of the text.
func (d *DataBlock) maxIndex() int {
	return (len(d.data) - DataHeaderSize) / IndexSize
}

func (d *DataBlock) rawIndex(i int) uint32 {
	off := DataHeaderSize + i*IndexSize
	return order.Uint32(d.data[off : off+IndexSize])
}

func (d *DataBlock) setRawIndex(i int, v uint32) {
	off := DataHeaderSize + i*IndexSize
	order.PutUint32(d.data[off:off+IndexSize], v)
}

// Offset returns the start of line i's text.
func (d *DataBlock) Offset(i int) int {
	return int(d.rawIndex(i) & indexMask)
}

// end returns the offset just past line i's NUL.
func (d *DataBlock) end(i int) int {
	if i == 0 {
		return d.TxtEnd()
	}
	return d.Offset(i - 1)
}

// IsMarked reports whether line i carries the marked flag.
func (d *DataBlock) IsMarked(i int) bool {
	return d.rawIndex(i)&Marked != 0
}

// SetMarked sets or clears the marked flag of line i.
func (d *DataBlock) SetMarked(i int, marked bool) {
	v := d.rawIndex(i)
	if marked {
		v |= Marked
	} else {
		v &= indexMask
	}
	d.setRawIndex(i, v)
}

func (d *DataBlock) checkIndex(i int) error {
	if i < 0 || i >= d.LineCount() || i >= d.maxIndex() {
		return errors.Wrapf(ErrOutOfRange, "line index %d of %d", i, d.LineCount())
	}
	return nil
}

// Line returns the text of line i without its NUL terminator. The returned
// slice aliases the block.
func (d *DataBlock) Line(i int) ([]byte, error) {
	if err := d.checkIndex(i); err != nil {
		return nil, err
	}
	start, end := d.Offset(i), d.end(i)
	if start <= DataHeaderSize || start >= end || end > d.TxtEnd() || end > len(d.data) {
		return nil, errors.Wrapf(ErrOutOfRange, "line %d text [%d,%d)", i, start, end)
	}
	text := d.data[start:end]
	if n := bytes.IndexByte(text, 0); n >= 0 {
		text = text[:n]
	}
	return text, nil
}

// Size returns the number of bytes line i occupies, including its NUL.
func (d *DataBlock) Size(i int) int {
	return d.end(i) - d.Offset(i)
}

// Span returns the number of text bytes used by lines first..last inclusive.
func (d *DataBlock) Span(first, last int) int {
	return d.end(first) - d.Offset(last)
}

// Fits reports whether a line of n bytes (without NUL) can be added.
func (d *DataBlock) Fits(n int) bool {
	return d.Free() >= n+1+IndexSize
}

// Insert stores text as line at, shifting lines at.. up by one.
// at may be LineCount() to append after the last line.
func (d *DataBlock) Insert(at int, text []byte, marked bool) error {
	count := d.LineCount()
	if at < 0 || at > count {
		return errors.Wrapf(ErrOutOfRange, "insert at %d of %d", at, count)
	}
	size := len(text) + 1
	if d.Free() < size+IndexSize {
		return ErrNoRoom
	}

	txtStart := d.TxtStart()
	end := d.TxtEnd()
	if at > 0 {
		end = d.Offset(at - 1)
	}

	// Text of the following lines moves down to make room below end.
	copy(d.data[txtStart-size:], d.data[txtStart:end])
	for i := count - 1; i >= at; i-- {
		d.setRawIndex(i+1, d.rawIndex(i)-uint32(size))
	}

	start := end - size
	copy(d.data[start:], text)
	d.data[end-1] = 0
	v := uint32(start)
	if marked {
		v |= Marked
	}
	d.setRawIndex(at, v)

	d.setTxtStart(txtStart - size)
	d.setFree(d.Free() - size - IndexSize)
	d.setLineCount(count + 1)
	return nil
}

// Delete removes line at and returns the number of text bytes it used.
func (d *DataBlock) Delete(at int) (int, error) {
	if err := d.checkIndex(at); err != nil {
		return 0, err
	}
	count := d.LineCount()
	start := d.Offset(at)
	size := d.end(at) - start
	txtStart := d.TxtStart()

	copy(d.data[txtStart+size:], d.data[txtStart:start])
	for i := at; i < count-1; i++ {
		d.setRawIndex(i, d.rawIndex(i+1)+uint32(size))
	}
	d.setRawIndex(count-1, 0)

	d.setTxtStart(txtStart + size)
	d.setFree(d.Free() + size + IndexSize)
	d.setLineCount(count - 1)
	return size, nil
}

// Replace overwrites line at with text when the size difference fits in the
// free space. It returns the size difference and false when it does not fit.
func (d *DataBlock) Replace(at int, text []byte) (int, bool, error) {
	if err := d.checkIndex(at); err != nil {
		return 0, false, err
	}
	count := d.LineCount()
	start := d.Offset(at)
	oldSize := d.end(at) - start
	extra := len(text) + 1 - oldSize
	if d.Free() < extra {
		return extra, false, nil
	}

	txtStart := d.TxtStart()
	if extra != 0 && at < count-1 {
		copy(d.data[txtStart-extra:], d.data[txtStart:start])
		for i := at + 1; i < count; i++ {
			d.setRawIndex(i, uint32(int(d.rawIndex(i))-extra))
		}
	}
	d.setRawIndex(at, uint32(int(d.rawIndex(at))-extra))

	newStart := start - extra
	copy(d.data[newStart:], text)
	d.data[newStart+len(text)] = 0

	d.setFree(d.Free() - extra)
	d.setTxtStart(txtStart - extra)
	return extra, true, nil
}

// MoveTail appends lines from.. to the end of dst, keeping their marks, and
// removes them from d.
func (d *DataBlock) MoveTail(dst *DataBlock, from int) error {
	count := d.LineCount()
	if from < 0 || from > count {
		return errors.Wrapf(ErrOutOfRange, "move from %d of %d", from, count)
	}
	if from == count {
		return nil
	}
	moved := d.end(from) - d.TxtStart()
	if dst.Free() < moved+(count-from)*IndexSize {
		return ErrNoRoom
	}
	for i := from; i < count; i++ {
		text, err := d.Line(i)
		if err != nil {
			return err
		}
		if err := dst.Insert(dst.LineCount(), text, d.IsMarked(i)); err != nil {
			return err
		}
	}
	for i := from; i < count; i++ {
		d.setRawIndex(i, 0)
	}
	d.setTxtStart(d.TxtStart() + moved)
	d.setFree(d.Free() + moved + (count-from)*IndexSize)
	d.setLineCount(from)
	return nil
}
