package block

import "github.com/pkg/errors"

const (
	// PointerHeaderSize is the size of the pointer block header in bytes.
	PointerHeaderSize = 8

	// EntrySize is the size of one pointer entry in bytes.
	EntrySize = 32
)

// Header layout:
// Byte 0-1: id
// Byte 2-3: number of entries in use
// Byte 4-5: maximum number of entries
// Byte 6-7: reserved
//
// Entry layout:
// Byte 0-7: child block number (negative when unassigned)
// Byte 8-15: number of lines in the child
// Byte 16-23: line number the child started at in the original file
// Byte 24-27: number of pages in the child
// Byte 28-31: reserved
const (
	ptrCountOff    = 2
	ptrCountMaxOff = 4

	entryBlockOff   = 0
	entryLinesOff   = 8
	entryOldLnumOff = 16
	entryPagesOff   = 24
)

// Entry describes one child of a pointer block.
type Entry struct {
	Block     ID
	LineCount int64
	OldLnum   int64
	PageCount int
}

// PointerBlock provides operations on a pointer block's raw byte slice.
type PointerBlock struct {
	data []byte
}

// CountMaxFor returns the number of entries a pointer block holds for the
// given page size.
func CountMaxFor(pageSize int) int {
	return (pageSize - PointerHeaderSize) / EntrySize
}

// NewPointerBlock creates a pointer block wrapper around raw bytes.
// If init is true, initializes the block as empty.
func NewPointerBlock(data []byte, init bool) *PointerBlock {
	p := &PointerBlock{data: data}
	if init {
		clear(data)
		order.PutUint16(data[0:2], PointerID)
		p.SetCount(0)
		order.PutUint16(data[ptrCountMaxOff:], uint16(CountMaxFor(len(data))))
	}
	return p
}

// Bytes returns the underlying bytes.
func (p *PointerBlock) Bytes() []byte {
	return p.data
}

// Valid reports whether the block carries the pointer block id.
func (p *PointerBlock) Valid() bool {
	return Kind(p.data) == PointerID
}

// Check verifies the id and that the entry counts fit the block.
func (p *PointerBlock) Check() error {
	if !p.Valid() {
		return errors.Wrap(ErrBadID, "pointer block")
	}
	if p.CountMax() > CountMaxFor(len(p.data)) || p.Count() > p.CountMax() {
		return errors.Wrapf(ErrOutOfRange, "pointer block count %d max %d", p.Count(), p.CountMax())
	}
	return nil
}

// Count returns the number of entries in use.
func (p *PointerBlock) Count() int {
	return int(order.Uint16(p.data[ptrCountOff:]))
}

// SetCount sets the number of entries in use.
func (p *PointerBlock) SetCount(n int) {
	order.PutUint16(p.data[ptrCountOff:], uint16(n))
}

// CountMax returns the capacity recorded in the header.
func (p *PointerBlock) CountMax() int {
	return int(order.Uint16(p.data[ptrCountMaxOff:]))
}

// Full reports whether no entry can be added.
func (p *PointerBlock) Full() bool {
	return p.Count() >= p.CountMax()
}

func (p *PointerBlock) entryOff(i int) (int, error) {
	off := PointerHeaderSize + i*EntrySize
	if i < 0 {
		return 0, errors.Wrapf(ErrOutOfRange, "entry %d", i)
	}
	if err := checkRange(p.data, off, EntrySize); err != nil {
		return 0, err
	}
	return off, nil
}

// Entry returns entry i.
func (p *PointerBlock) Entry(i int) (Entry, error) {
	off, err := p.entryOff(i)
	if err != nil {
		return Entry{}, err
	}
	e := p.data[off : off+EntrySize]
	return Entry{
		Block:     DecodeID(int64(order.Uint64(e[entryBlockOff:]))),
		LineCount: int64(order.Uint64(e[entryLinesOff:])),
		OldLnum:   int64(order.Uint64(e[entryOldLnumOff:])),
		PageCount: int(int32(order.Uint32(e[entryPagesOff:]))),
	}, nil
}

// SetEntry overwrites entry i.
func (p *PointerBlock) SetEntry(i int, ent Entry) error {
	off, err := p.entryOff(i)
	if err != nil {
		return err
	}
	e := p.data[off : off+EntrySize]
	order.PutUint64(e[entryBlockOff:], uint64(ent.Block.Encode()))
	order.PutUint64(e[entryLinesOff:], uint64(ent.LineCount))
	order.PutUint64(e[entryOldLnumOff:], uint64(ent.OldLnum))
	order.PutUint32(e[entryPagesOff:], uint32(int32(ent.PageCount)))
	return nil
}

// SetBlock rewrites the block number of entry i.
func (p *PointerBlock) SetBlock(i int, id ID) error {
	off, err := p.entryOff(i)
	if err != nil {
		return err
	}
	order.PutUint64(p.data[off+entryBlockOff:], uint64(id.Encode()))
	return nil
}

// AddLineCount adds delta to the line count of entry i.
func (p *PointerBlock) AddLineCount(i int, delta int64) error {
	off, err := p.entryOff(i)
	if err != nil {
		return err
	}
	v := int64(order.Uint64(p.data[off+entryLinesOff:]))
	order.PutUint64(p.data[off+entryLinesOff:], uint64(v+delta))
	return nil
}

// ClearOldLnum zeroes the recovery hint of entry i.
func (p *PointerBlock) ClearOldLnum(i int) error {
	off, err := p.entryOff(i)
	if err != nil {
		return err
	}
	order.PutUint64(p.data[off+entryOldLnumOff:], 0)
	return nil
}

// Insert makes room at i by shifting entries i.. up by one and stores ent.
func (p *PointerBlock) Insert(i int, ent Entry) error {
	count := p.Count()
	if i < 0 || i > count || count >= p.CountMax() {
		return errors.Wrapf(ErrOutOfRange, "insert entry %d of %d (max %d)", i, count, p.CountMax())
	}
	start := PointerHeaderSize + i*EntrySize
	end := PointerHeaderSize + count*EntrySize
	copy(p.data[start+EntrySize:], p.data[start:end])
	p.SetCount(count + 1)
	return p.SetEntry(i, ent)
}

// Remove deletes entry i, shifting the following entries down.
func (p *PointerBlock) Remove(i int) error {
	count := p.Count()
	if i < 0 || i >= count {
		return errors.Wrapf(ErrOutOfRange, "remove entry %d of %d", i, count)
	}
	start := PointerHeaderSize + i*EntrySize
	end := PointerHeaderSize + count*EntrySize
	copy(p.data[start:], p.data[start+EntrySize:end])
	clear(p.data[end-EntrySize : end])
	p.SetCount(count - 1)
	return nil
}

// MoveTail moves entries from.. to the start of dst, which must be empty,
// and removes them from p. It returns the number of entries moved.
func (p *PointerBlock) MoveTail(dst *PointerBlock, from int) (int, error) {
	count := p.Count()
	if from < 0 || from > count {
		return 0, errors.Wrapf(ErrOutOfRange, "move entries from %d of %d", from, count)
	}
	n := count - from
	if dst.Count() != 0 || n > dst.CountMax() {
		return 0, errors.Wrapf(ErrNoRoom, "move %d entries into block with %d of %d",
			n, dst.Count(), dst.CountMax())
	}
	start := PointerHeaderSize + from*EntrySize
	end := PointerHeaderSize + count*EntrySize
	copy(dst.data[PointerHeaderSize:], p.data[start:end])
	clear(p.data[start:end])
	dst.SetCount(n)
	p.SetCount(from)
	return n, nil
}

// LineTotal returns the sum of the line counts of all entries.
func (p *PointerBlock) LineTotal() int64 {
	var total int64
	for i := 0; i < p.Count(); i++ {
		off := PointerHeaderSize + i*EntrySize
		if off+EntrySize > len(p.data) {
			break
		}
		total += int64(order.Uint64(p.data[off+entryLinesOff:]))
	}
	return total
}
