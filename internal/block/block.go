// Package block provides views over the raw bytes of swap file blocks.
//
// A swap file is a sequence of pages. Block 0 is the header, block 1 is the
// root pointer block and every other block is either a pointer block or a
// data block spanning one or more pages. The views in this package validate
// offsets against the block size and keep all byte-order knowledge in one
// place: pointer and data blocks use the native layout of the writing
// machine, the header uses a portable layout plus magic numbers that detect a
// mismatch.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DataID identifies a data block.
	DataID uint16 = ('d' << 8) + 'a'

	// PointerID identifies a pointer block.
	PointerID uint16 = ('p' << 8) + 't'

	// DefaultPageSize is the page size used for new swap files.
	DefaultPageSize = 4096

	// MinPageSize is the smallest page size a swap file may use.
	// It must hold the header block.
	MinPageSize = 1024

	// MaxPageSize is the largest page size accepted from a swap file header.
	MaxPageSize = 50000
)

var order = binary.NativeEndian

var (
	// ErrBadID is returned when a block does not carry the expected id.
	ErrBadID = errors.New("block id wrong")

	// ErrOutOfRange is returned when an offset or index falls outside a block.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrNoRoom is returned when a block has too little free space.
	ErrNoRoom = errors.New("not enough room in block")
)

// ID is a block number. A block is either persisted, with a fixed position
// in the swap file, or unassigned: it lives only in memory until it is first
// written, at which point it receives a persisted number.
type ID struct {
	n        int64
	assigned bool
}

var (
	// HeaderBlock is the swap file header.
	HeaderBlock = Persisted(0)

	// RootBlock is the root pointer block. It never moves.
	RootBlock = Persisted(1)

	// FirstDataBlock is the data block created with a new memline.
	FirstDataBlock = Persisted(2)
)

// Persisted returns the ID of the block at position n in the swap file.
func Persisted(n int64) ID {
	return ID{n: n, assigned: true}
}

// Unassigned returns the ID of the memory-only block with sequence seq (> 0).
func Unassigned(seq int64) ID {
	return ID{n: seq}
}

// Assigned reports whether the block has a position in the swap file.
func (id ID) Assigned() bool {
	return id.assigned
}

// Num returns the block position for persisted blocks and the sequence
// number for unassigned ones.
func (id ID) Num() int64 {
	return id.n
}

// Encode returns the on-disk form: unassigned blocks are stored negated.
func (id ID) Encode() int64 {
	if id.assigned {
		return id.n
	}
	return -id.n
}

// DecodeID is the inverse of Encode.
func DecodeID(v int64) ID {
	if v < 0 {
		return Unassigned(-v)
	}
	return Persisted(v)
}

func (id ID) String() string {
	if id.assigned {
		return fmt.Sprintf("%d", id.n)
	}
	return fmt.Sprintf("~%d", id.n)
}

// Kind returns the id stored in the first two bytes of a block.
func Kind(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return order.Uint16(data[0:2])
}

// PageCount returns the number of pages needed for size bytes.
func PageCount(size, pageSize int) int {
	return (size + pageSize - 1) / pageSize
}

func checkRange(data []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(data) {
		return errors.Wrapf(ErrOutOfRange, "[%d,%d) in block of %d bytes", off, off+n, len(data))
	}
	return nil
}
