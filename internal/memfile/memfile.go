// Package memfile manages the block cache of a swap file.
//
// A Memfile hands out blocks of one or more pages. Blocks live in memory and
// are written to the mmap'd swap file on Sync or when the cache evicts them.
// Blocks created as unassigned only get a position in the file when they are
// first written; the old and new number are recorded so that pointer blocks
// can be rewritten later (see Trans).
package memfile

import (
	"container/list"
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/mmap"
)

// GrowthPages is the number of pages the swap file grows by at least.
const GrowthPages = 16

// SyncFlags select what Sync writes.
type SyncFlags int

const (
	// SyncAll also writes unassigned blocks, giving them a position.
	SyncAll SyncFlags = 1 << iota
	// SyncStop stops early when the context is done, after at least one block.
	SyncStop
	// SyncFlush fsyncs the swap file afterwards.
	SyncFlush
	// SyncZero writes only block 0.
	SyncZero
)

// Options configures a Memfile.
type Options struct {
	// PageSize is the size of a page. Zero means block.DefaultPageSize.
	PageSize int
	// MaxCached limits the number of cached blocks once a swap file exists.
	// Zero means unlimited.
	MaxCached int
	// ReadOnly opens an existing swap file without write access.
	ReadOnly bool
	Logger   *zap.Logger
}

// Block is a cached block. Its data stays valid until the block is freed or
// evicted; only locked blocks are never evicted.
type Block struct {
	id     block.ID
	pages  int
	data   []byte
	dirty  bool
	locked bool
	elem   *list.Element
}

// ID returns the block number.
func (b *Block) ID() block.ID {
	return b.id
}

// Pages returns the number of pages in the block.
func (b *Block) Pages() int {
	return b.pages
}

// Data returns the block contents.
func (b *Block) Data() []byte {
	return b.data
}

// Dirty reports whether the block has changes not yet written.
func (b *Block) Dirty() bool {
	return b.dirty
}

type freeRun struct {
	nr    int64
	pages int
}

// Memfile is a page-addressed block cache over an optional swap file.
// It is not safe for concurrent use.
type Memfile struct {
	path     string
	mm       *mmap.MMap
	readOnly bool
	pageSize int
	log      *zap.Logger

	blocks    map[block.ID]*Block
	used      *list.List // front is most recently used
	maxCached int

	free  []freeRun       // last element is tried first
	trans map[int64]int64 // unassigned sequence -> assigned number

	blocknrMax  int64 // next number for an assigned block
	lastSeq     int64 // last sequence handed to an unassigned block
	negCount    int   // unassigned blocks without a consumed translation
	infileCount int64 // number of pages present in the swap file
	dirty       bool
}

// Open creates a memfile. With an empty path the memfile is memory-only.
// Otherwise the swap file is opened, and created when it does not exist.
func Open(path string, opts Options) (*Memfile, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = block.DefaultPageSize
	}
	if pageSize < block.MinPageSize || pageSize > block.MaxPageSize {
		return nil, errors.Wrapf(ErrBadPageSize, "page size %d", pageSize)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	mf := &Memfile{
		pageSize:  pageSize,
		log:       log,
		blocks:    make(map[block.ID]*Block),
		used:      list.New(),
		maxCached: opts.MaxCached,
		trans:     make(map[int64]int64),
		readOnly:  opts.ReadOnly,
	}
	if path == "" {
		return mf, nil
	}

	var (
		mm  *mmap.MMap
		err error
	)
	if opts.ReadOnly {
		mm, err = mmap.OpenReadOnly(path)
	} else {
		mm, err = mmap.Open(path, 0)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open swap file %s", path)
	}
	mf.path = path
	mf.mm = mm
	mf.resetCounts()
	return mf, nil
}

// OpenFile attaches a new swap file to a memory-only memfile. The file must
// not exist yet.
func (mf *Memfile) OpenFile(path string) error {
	if mf.mm != nil {
		return errors.Errorf("memfile already has swap file %s", mf.path)
	}
	mm, err := mmap.Create(path, 0)
	if err != nil {
		return errors.Wrapf(err, "create swap file %s", path)
	}
	mf.path = path
	mf.mm = mm
	mf.readOnly = false
	mf.dirty = true
	return nil
}

// resetCounts derives the block counts from the file size.
func (mf *Memfile) resetCounts() {
	size := mf.mm.Size()
	ps := int64(mf.pageSize)
	mf.blocknrMax = (size + ps - 1) / ps
	mf.infileCount = mf.blocknrMax
}

// Name returns the swap file path, "" for a memory-only memfile.
func (mf *Memfile) Name() string {
	return mf.path
}

// HasFile reports whether a swap file is attached.
func (mf *Memfile) HasFile() bool {
	return mf.mm != nil
}

// PageSize returns the page size.
func (mf *Memfile) PageSize() int {
	return mf.pageSize
}

// SetPageSize changes the page size. Recovery uses it once block 0 tells the
// size the file was written with.
func (mf *Memfile) SetPageSize(n int) error {
	if n < block.MinPageSize || n > block.MaxPageSize {
		return errors.Wrapf(ErrBadPageSize, "page size %d", n)
	}
	mf.pageSize = n
	if mf.mm != nil {
		mf.resetCounts()
	}
	return nil
}

// MaxBlock returns one past the highest assigned block number.
func (mf *Memfile) MaxBlock() int64 {
	return mf.blocknrMax
}

// InfileCount returns the number of pages present in the swap file.
func (mf *Memfile) InfileCount() int64 {
	return mf.infileCount
}

// Dirty reports whether some block has not been written yet.
func (mf *Memfile) Dirty() bool {
	return mf.dirty
}

// Cached returns the number of blocks in the cache.
func (mf *Memfile) Cached() int {
	return len(mf.blocks)
}

// New allocates a locked, dirty, zeroed block of pages pages.
func (mf *Memfile) New(unassigned bool, pages int) *Block {
	b := &Block{pages: pages, data: make([]byte, pages*mf.pageSize)}
	if !unassigned && len(mf.free) > 0 && mf.free[len(mf.free)-1].pages >= pages {
		run := &mf.free[len(mf.free)-1]
		b.id = block.Persisted(run.nr)
		if run.pages > pages {
			run.nr += int64(pages)
			run.pages -= pages
		} else {
			mf.free = mf.free[:len(mf.free)-1]
		}
	} else if unassigned {
		mf.lastSeq++
		b.id = block.Unassigned(mf.lastSeq)
		mf.negCount++
	} else {
		b.id = block.Persisted(mf.blocknrMax)
		mf.blocknrMax += int64(pages)
	}
	b.locked = true
	b.dirty = true
	mf.dirty = true
	mf.insert(b)
	mf.log.Debug("new block", zap.Stringer("block", b.id), zap.Int("pages", pages))
	return b
}

// Get returns block id locked. pages is used when the block has to be read
// from the swap file.
func (mf *Memfile) Get(id block.ID, pages int) (*Block, error) {
	if id.Assigned() {
		if id.Num() < 0 || id.Num() >= mf.blocknrMax {
			return nil, errors.Wrapf(ErrBlockNotFound, "block %s beyond %d", id, mf.blocknrMax)
		}
	} else if id.Num() <= 0 || id.Num() > mf.lastSeq {
		return nil, errors.Wrapf(ErrBlockNotFound, "unknown block %s", id)
	}

	b, ok := mf.blocks[id]
	if !ok && !id.Assigned() {
		// Evicted blocks were written and have a translation.
		if nr, found := mf.trans[id.Num()]; found {
			b, ok = mf.blocks[block.Persisted(nr)]
			if !ok {
				id = block.Persisted(nr)
			}
		}
	}
	if ok {
		mf.used.MoveToFront(b.elem)
		b.locked = true
		return b, nil
	}
	if !id.Assigned() || id.Num() >= mf.infileCount {
		return nil, errors.Wrapf(ErrBlockNotFound, "block %s not in swap file", id)
	}
	if pages < 1 {
		pages = 1
	}

	b = &Block{id: id, pages: pages, data: make([]byte, pages*mf.pageSize)}
	if err := mf.read(b); err != nil {
		return nil, err
	}
	b.locked = true
	mf.insert(b)
	return b, nil
}

// Put unlocks b. dirty marks it for writing; infile gives an unassigned block
// its position in the file now, so that it can be found after a crash.
func (mf *Memfile) Put(b *Block, dirty, infile bool) {
	if !b.locked {
		mf.log.Error("block was not locked", zap.Stringer("block", b.id))
	}
	b.locked = false
	if dirty {
		b.dirty = true
		mf.dirty = true
	}
	if infile {
		mf.transAdd(b)
	}
	mf.evict()
}

// Free releases b. Assigned blocks go to the free list.
func (mf *Memfile) Free(b *Block) {
	mf.remove(b)
	if b.id.Assigned() {
		mf.free = append(mf.free, freeRun{nr: b.id.Num(), pages: b.pages})
	} else {
		mf.negCount--
	}
	b.data = nil
}

// Trans looks up the position an unassigned block was written to and
// consumes the translation. It returns id unchanged and false when there is
// none.
func (mf *Memfile) Trans(id block.ID) (block.ID, bool) {
	if id.Assigned() {
		return id, false
	}
	nr, ok := mf.trans[id.Num()]
	if !ok {
		return id, false
	}
	delete(mf.trans, id.Num())
	mf.negCount--
	return block.Persisted(nr), true
}

// NeedTrans reports whether pointer blocks still refer to unassigned numbers.
func (mf *Memfile) NeedTrans() bool {
	return mf.mm != nil && mf.negCount > 0
}

// SetDirty marks every assigned block dirty. Used after creating a swap file
// for a memfile that was memory-only.
func (mf *Memfile) SetDirty() {
	for e := mf.used.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Block)
		if b.id.Assigned() && b.id.Num() > 0 {
			b.dirty = true
		}
	}
	mf.dirty = true
}

// Sync writes dirty blocks to the swap file, oldest first.
func (mf *Memfile) Sync(ctx context.Context, flags SyncFlags) error {
	if mf.mm == nil {
		mf.dirty = false
		return ErrNoFile
	}
	if mf.readOnly {
		return ErrReadOnly
	}

	var firstErr error
	done := true
	written := 0
	for e := mf.used.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Block)
		if !b.dirty || (flags&SyncAll == 0 && !b.id.Assigned()) {
			continue
		}
		if flags&SyncZero != 0 && b.id != block.HeaderBlock {
			continue
		}
		// After a failure only blocks inside the file are retried.
		if firstErr != nil && (!b.id.Assigned() || b.id.Num() >= mf.infileCount) {
			continue
		}
		if err := mf.write(b); err != nil {
			if firstErr != nil {
				done = false
				break
			}
			firstErr = err
		}
		written++
		if flags&SyncStop != 0 && ctx.Err() != nil {
			done = e.Prev() == nil
			break
		}
	}
	if done || firstErr != nil {
		mf.dirty = false
	}
	if flags&SyncFlush != 0 {
		if err := mf.mm.Sync(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "fsync swap file")
		}
	}
	mf.log.Debug("sync", zap.Int("written", written), zap.Int("flags", int(flags)))
	return firstErr
}

// Rename moves the swap file.
func (mf *Memfile) Rename(path string) error {
	if mf.mm == nil {
		return ErrNoFile
	}
	if err := os.Rename(mf.path, path); err != nil {
		return errors.Wrapf(err, "rename swap file to %s", path)
	}
	mf.path = path
	return nil
}

// SetMaxCached changes the cache limit. Zero disables eviction.
func (mf *Memfile) SetMaxCached(n int) {
	mf.maxCached = n
	mf.evict()
}

// CloseFile detaches the swap file and keeps the cached blocks, turning the
// memfile into a memory-only one. Blocks that were evicted are lost, so the
// caller has to load everything it needs first.
func (mf *Memfile) CloseFile(deleteFile bool) error {
	if mf.mm == nil {
		return ErrNoFile
	}
	err := mf.mm.Close()
	if err != nil {
		err = errors.Wrap(err, "close swap file")
	}
	if deleteFile {
		if rerr := os.Remove(mf.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = errors.Wrap(rerr, "remove swap file")
		}
	}
	mf.mm = nil
	mf.path = ""
	mf.readOnly = false
	mf.infileCount = 0
	return err
}

// Close drops all blocks and closes the swap file, deleting it when
// deleteFile is set.
func (mf *Memfile) Close(deleteFile bool) error {
	var err error
	if mf.mm != nil {
		if !deleteFile && !mf.readOnly {
			if terr := mf.mm.Truncate(mf.infileCount * int64(mf.pageSize)); terr != nil {
				err = errors.Wrap(terr, "truncate swap file")
			}
		}
		if cerr := mf.mm.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close swap file")
		}
		mf.mm = nil
	}
	if deleteFile && mf.path != "" {
		if rerr := os.Remove(mf.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = errors.Wrap(rerr, "remove swap file")
		}
	}
	mf.path = ""
	mf.blocks = make(map[block.ID]*Block)
	mf.used.Init()
	mf.free = nil
	mf.trans = make(map[int64]int64)
	return err
}

func (mf *Memfile) insert(b *Block) {
	b.elem = mf.used.PushFront(b)
	mf.blocks[b.id] = b
}

func (mf *Memfile) remove(b *Block) {
	if b.elem != nil {
		mf.used.Remove(b.elem)
		b.elem = nil
	}
	delete(mf.blocks, b.id)
}

// transAdd gives an unassigned block a position in the file.
func (mf *Memfile) transAdd(b *Block) {
	if b.id.Assigned() {
		return
	}
	var nr int64
	if n := len(mf.free); n > 0 && mf.free[n-1].pages >= b.pages {
		run := &mf.free[n-1]
		nr = run.nr
		if run.pages > b.pages {
			run.nr += int64(b.pages)
			run.pages -= b.pages
		} else {
			mf.free = mf.free[:n-1]
		}
	} else {
		nr = mf.blocknrMax
		mf.blocknrMax += int64(b.pages)
	}

	delete(mf.blocks, b.id)
	mf.trans[b.id.Num()] = nr
	mf.log.Debug("assign block", zap.Stringer("from", b.id), zap.Int64("to", nr))
	b.id = block.Persisted(nr)
	mf.blocks[b.id] = b
}

func (mf *Memfile) read(b *Block) error {
	if mf.mm == nil {
		return ErrNoFile
	}
	off := b.id.Num() * int64(mf.pageSize)
	if err := mf.mm.ReadAt(b.data, off); err != nil {
		return errors.Wrapf(err, "read block %s", b.id)
	}
	return nil
}

func (mf *Memfile) write(b *Block) error {
	if mf.mm == nil {
		return ErrNoFile
	}
	if mf.readOnly {
		return ErrReadOnly
	}
	mf.transAdd(b)
	off := b.id.Num() * int64(mf.pageSize)
	growth := int64(GrowthPages * mf.pageSize)
	if err := mf.mm.WriteAt(b.data, off, growth); err != nil {
		return errors.Wrapf(err, "write block %s", b.id)
	}
	b.dirty = false
	if end := b.id.Num() + int64(b.pages); end > mf.infileCount {
		mf.infileCount = end
	}
	return nil
}

// evict drops the least recently used unlocked blocks while the cache is
// over its limit. Dirty blocks are written first.
func (mf *Memfile) evict() {
	if mf.mm == nil || mf.readOnly || mf.maxCached <= 0 {
		return
	}
	for e := mf.used.Back(); e != nil && len(mf.blocks) > mf.maxCached; {
		prev := e.Prev()
		b := e.Value.(*Block)
		if !b.locked && b.id != block.HeaderBlock {
			if b.dirty {
				if err := mf.write(b); err != nil {
					mf.log.Warn("evict block", zap.Stringer("block", b.id), zap.Error(err))
					return
				}
			}
			mf.remove(b)
		}
		e = prev
	}
}
