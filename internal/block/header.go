package block

import (
	"bytes"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the number of bytes block 0 occupies, padding included.
	HeaderSize = 1024

	// FnameSize is the size of the file name field.
	FnameSize = 900

	// FnameMax is the longest file name stored, NUL included.
	FnameMax = 890

	// fnameEncEnd is where a stored encoding ends; the flags byte follows.
	fnameEncEnd = 898

	// DirtyByte is the value of the dirty byte when the buffer has changes.
	DirtyByte = 0x55

	// Version is written to new swap files.
	Version = "MEMLN 1.0"
)

// Flag bits stored at the end of the file name field.
const (
	FlagFileFormat = 3
	FlagSameDir    = 4
	FlagHasEnc     = 8
)

// Header layout (block 0). The integer fields use 4 little-endian bytes so
// that another machine can read them; the magic fields use the native layout
// so that a machine with another word size or byte order rejects the file.
// Byte 0-1: id "b0"
// Byte 2-11: version string
// Byte 12-15: page size
// Byte 16-19: mtime of the original file
// Byte 20-23: inode of the original file
// Byte 24-27: pid of the process that owns the swap file
// Byte 28-67: user name
// Byte 68-107: host name
// Byte 108-1007: file name; 1006 holds the flags, 1007 the dirty byte
// Byte 1008-1015: int64 magic
// Byte 1016-1019: int32 magic
// Byte 1020-1021: int16 magic
// Byte 1022: byte magic
const (
	hdrVersionOff  = 2
	hdrVersionSize = 10
	hdrPageSizeOff = 12
	hdrMtimeOff    = 16
	hdrInoOff      = 20
	hdrPidOff      = 24
	hdrUserOff     = 28
	hdrHostOff     = 68
	hdrNameSize    = 40
	hdrFnameOff    = 108
	hdrMagicLong   = 1008
	hdrMagicInt    = 1016
	hdrMagicShort  = 1020
	hdrMagicChar   = 1022
)

const (
	magicLong  int64 = 0x30313233
	magicInt   int32 = 0x20212223
	magicShort int16 = 0x1213 // 0x10111213 truncated to 16 bits
	magicChar  byte  = 0x55
)

// Header provides operations on the raw bytes of block 0.
type Header struct {
	data []byte
}

// NewHeader creates a header wrapper around raw bytes, which must hold at
// least HeaderSize bytes. If init is true, the id, version and magic fields
// are written and everything else is cleared.
func NewHeader(data []byte, init bool) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrOutOfRange, "header needs %d bytes, have %d", HeaderSize, len(data))
	}
	h := &Header{data: data}
	if init {
		clear(data)
		data[0], data[1] = 'b', '0'
		h.SetVersion(Version)
		order.PutUint64(data[hdrMagicLong:], uint64(magicLong))
		order.PutUint32(data[hdrMagicInt:], uint32(magicInt))
		order.PutUint16(data[hdrMagicShort:], uint16(magicShort))
		data[hdrMagicChar] = magicChar
	}
	return h, nil
}

// Bytes returns the underlying bytes.
func (h *Header) Bytes() []byte {
	return h.data
}

// CheckID reports whether the block starts with the block 0 id.
func (h *Header) CheckID() bool {
	return h.data[0] == 'b' && h.data[1] == '0'
}

// MagicWrong reports whether the file was written by a machine with another
// byte order or word size.
func (h *Header) MagicWrong() bool {
	return int64(order.Uint64(h.data[hdrMagicLong:])) != magicLong ||
		int32(order.Uint32(h.data[hdrMagicInt:])) != magicInt ||
		int16(order.Uint16(h.data[hdrMagicShort:])) != magicShort ||
		h.data[hdrMagicChar] != magicChar
}

// StringsValid reports whether every string field is NUL terminated.
func (h *Header) StringsValid() bool {
	return bytes.IndexByte(h.field(hdrVersionOff, hdrVersionSize), 0) >= 0 &&
		bytes.IndexByte(h.field(hdrUserOff, hdrNameSize), 0) >= 0 &&
		bytes.IndexByte(h.field(hdrHostOff, hdrNameSize), 0) >= 0 &&
		bytes.IndexByte(h.field(hdrFnameOff, FnameMax), 0) >= 0
}

func (h *Header) field(off, n int) []byte {
	return h.data[off : off+n]
}

func cString(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

func putCString(dst []byte, s string) {
	clear(dst)
	if len(s) > len(dst)-1 {
		s = s[:len(dst)-1]
	}
	copy(dst, s)
}

func getLong(b []byte) int64 {
	return int64(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func putLong(b []byte, v int64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Version returns the version string.
func (h *Header) Version() string {
	return cString(h.field(hdrVersionOff, hdrVersionSize))
}

// SetVersion stores the version string.
func (h *Header) SetVersion(v string) {
	putCString(h.field(hdrVersionOff, hdrVersionSize), v)
}

// PageSize returns the page size the swap file was written with.
func (h *Header) PageSize() int {
	return int(getLong(h.data[hdrPageSizeOff:]))
}

// SetPageSize stores the page size.
func (h *Header) SetPageSize(n int) {
	putLong(h.data[hdrPageSizeOff:], int64(n))
}

// Mtime returns the modification time (seconds) of the original file.
func (h *Header) Mtime() int64 {
	return getLong(h.data[hdrMtimeOff:])
}

// SetMtime stores the modification time.
func (h *Header) SetMtime(sec int64) {
	putLong(h.data[hdrMtimeOff:], sec)
}

// Ino returns the inode of the original file, 0 when unknown.
func (h *Header) Ino() int64 {
	return getLong(h.data[hdrInoOff:])
}

// SetIno stores the inode.
func (h *Header) SetIno(ino int64) {
	putLong(h.data[hdrInoOff:], ino)
}

// Pid returns the process id of the swap file owner.
func (h *Header) Pid() int {
	return int(getLong(h.data[hdrPidOff:]))
}

// SetPid stores the owner's process id.
func (h *Header) SetPid(pid int) {
	putLong(h.data[hdrPidOff:], int64(pid))
}

// User returns the owner's user name.
func (h *Header) User() string {
	return cString(h.field(hdrUserOff, hdrNameSize))
}

// SetUser stores the user name, truncated to fit.
func (h *Header) SetUser(s string) {
	putCString(h.field(hdrUserOff, hdrNameSize), s)
}

// Host returns the owner's host name.
func (h *Header) Host() string {
	return cString(h.field(hdrHostOff, hdrNameSize))
}

// SetHost stores the host name, truncated to fit.
func (h *Header) SetHost(s string) {
	putCString(h.field(hdrHostOff, hdrNameSize), s)
}

// Fname returns the stored file name. It may start with ~user.
func (h *Header) Fname() string {
	return cString(h.field(hdrFnameOff, FnameMax))
}

// SetFname stores the file name, keeping a stored encoding. Names that do
// not fit are truncated.
func (h *Header) SetFname(name string) {
	enc := h.Encoding()
	putCString(h.field(hdrFnameOff, FnameMax), name)
	clear(h.field(hdrFnameOff+FnameMax, fnameEncEnd-FnameMax))
	if h.Flags()&FlagHasEnc != 0 {
		h.SetEncoding(enc)
	}
}

// FnameFits reports whether name can be stored without truncation.
func FnameFits(name string) bool {
	return len(name) <= FnameMax-1
}

// Dirty reports whether the buffer had unsaved changes when block 0 was
// last written.
func (h *Header) Dirty() bool {
	return h.data[hdrFnameOff+FnameSize-1] == DirtyByte
}

// SetDirty sets or clears the dirty byte.
func (h *Header) SetDirty(dirty bool) {
	var v byte
	if dirty {
		v = DirtyByte
	}
	h.data[hdrFnameOff+FnameSize-1] = v
}

// Flags returns the flags byte.
func (h *Header) Flags() byte {
	return h.data[hdrFnameOff+FnameSize-2]
}

func (h *Header) setFlags(f byte) {
	h.data[hdrFnameOff+FnameSize-2] = f
}

// FileFormat returns the stored fileformat and false when none is stored.
func (h *Header) FileFormat() (int, bool) {
	ff := int(h.Flags() & FlagFileFormat)
	if ff == 0 {
		return 0, false
	}
	return ff - 1, true
}

// SetFileFormat stores the fileformat (0 unix, 1 dos, 2 mac).
func (h *Header) SetFileFormat(ff int) {
	h.setFlags(h.Flags()&^FlagFileFormat | byte(ff+1)&FlagFileFormat)
}

// SameDir reports whether the swap file is in the directory of the file.
func (h *Header) SameDir() bool {
	return h.Flags()&FlagSameDir != 0
}

// SetSameDir sets or clears the same-directory flag.
func (h *Header) SetSameDir(same bool) {
	if same {
		h.setFlags(h.Flags() | FlagSameDir)
	} else {
		h.setFlags(h.Flags() &^ FlagSameDir)
	}
}

// Encoding returns the stored file encoding, "" when there is none.
func (h *Header) Encoding() string {
	if h.Flags()&FlagHasEnc == 0 {
		return ""
	}
	name := h.field(hdrFnameOff, fnameEncEnd)
	start := bytes.LastIndexByte(name, 0) + 1
	return string(name[start:])
}

// SetEncoding stores enc at the end of the file name field. It returns false
// and clears the encoding flag when enc does not fit after the name.
func (h *Header) SetEncoding(enc string) bool {
	name := h.field(hdrFnameOff, fnameEncEnd)
	fnameLen := bytes.IndexByte(name, 0)
	if fnameLen < 0 {
		fnameLen = len(name)
	}
	if enc == "" || fnameLen+len(enc)+1 > fnameEncEnd {
		h.setFlags(h.Flags() &^ FlagHasEnc)
		return enc == ""
	}
	clear(name[fnameLen:])
	copy(name[fnameEncEnd-len(enc):], enc)
	h.setFlags(h.Flags() | FlagHasEnc)
	return true
}
