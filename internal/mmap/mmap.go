// Package mmap provides memory-mapped file I/O for swap files.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MMap represents a memory-mapped file.
// An empty file has no mapping until it is grown.
type MMap struct {
	file     *os.File
	data     []byte
	size     int64
	readOnly bool
}

// Open opens or creates a file and maps it into memory.
// If the file exists but is smaller than size, it will be extended.
func Open(path string, size int64) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return mapFile(file, size, false)
}

// Create creates a new file exclusively and maps it into memory.
// It fails when path already exists.
func Create(path string, size int64) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return mapFile(file, size, false)
}

// OpenReadOnly maps an existing file without write access.
func OpenReadOnly(path string) (*MMap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return mapFile(file, 0, true)
}

func mapFile(file *os.File, size int64, readOnly bool) (*MMap, error) {
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	currentSize := info.Size()
	if !readOnly && currentSize < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to extend file: %w", err)
		}
		currentSize = size
	}

	m := &MMap{
		file:     file,
		size:     currentSize,
		readOnly: readOnly,
	}
	if currentSize > 0 {
		if err := m.mapData(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *MMap) mapData() error {
	prot := unix.PROT_READ
	if !m.readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(m.size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to mmap: %w", err)
	}
	m.data = data
	return nil
}

// Close unmaps and closes the file.
func (m *MMap) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("failed to munmap: %w", err)
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		m.file = nil
	}
	return nil
}

// Sync flushes changes to disk.
func (m *MMap) Sync() error {
	if m.file == nil {
		return fmt.Errorf("mmap is closed")
	}
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("failed to msync: %w", err)
		}
	}
	return unix.Fsync(int(m.file.Fd()))
}

// Name returns the name of the mapped file.
func (m *MMap) Name() string {
	if m.file == nil {
		return ""
	}
	return m.file.Name()
}

// Size returns the current mapped size.
func (m *MMap) Size() int64 {
	return m.size
}

// ReadOnly reports whether the mapping was opened without write access.
func (m *MMap) ReadOnly() bool {
	return m.readOnly
}

// Slice returns a slice of the mapped memory.
// Returns nil if the range is invalid.
func (m *MMap) Slice(offset, length int64) []byte {
	if m.data == nil {
		return nil
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return nil
	}
	return m.data[offset : offset+length]
}

// ReadAt copies len(buf) bytes at offset into buf.
func (m *MMap) ReadAt(buf []byte, offset int64) error {
	src := m.Slice(offset, int64(len(buf)))
	if src == nil {
		return fmt.Errorf("read of %d bytes at %d past end of file (%d)", len(buf), offset, m.size)
	}
	copy(buf, src)
	return nil
}

// WriteAt copies buf into the mapping at offset, growing the file as needed.
func (m *MMap) WriteAt(buf []byte, offset int64, growth int64) error {
	if m.readOnly {
		return fmt.Errorf("write to read-only mapping %s", m.Name())
	}
	need := offset + int64(len(buf))
	if need > m.size {
		newSize := m.size
		if newSize < growth {
			newSize = growth
		}
		if newSize <= 0 {
			newSize = need
		}
		for newSize < need {
			newSize *= 2
		}
		if err := m.Grow(newSize); err != nil {
			return err
		}
	}
	copy(m.data[offset:need], buf)
	return nil
}

// Grow extends the file and remaps it.
// This invalidates any previously returned slices.
func (m *MMap) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}
	if m.readOnly {
		return fmt.Errorf("cannot grow read-only mapping %s", m.Name())
	}

	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("failed to munmap during grow: %w", err)
		}
		m.data = nil
	}

	if err := m.file.Truncate(newSize); err != nil {
		return fmt.Errorf("failed to extend file during grow: %w", err)
	}

	m.size = newSize
	if err := m.mapData(); err != nil {
		return fmt.Errorf("failed to remap during grow: %w", err)
	}
	return nil
}

// Truncate shrinks the file to size and remaps it.
func (m *MMap) Truncate(size int64) error {
	if size >= m.size {
		return nil
	}
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("failed to munmap during truncate: %w", err)
		}
		m.data = nil
	}
	if err := m.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}
	m.size = size
	if size > 0 {
		return m.mapData()
	}
	return nil
}
