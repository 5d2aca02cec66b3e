package memfile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/memline/internal/block"
)

func openTemp(t *testing.T, opts Options) (*Memfile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.swp")
	mf, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { mf.Close(true) })
	return mf, path
}

func TestNewAssignsNumbers(t *testing.T) {
	mf, err := Open("", Options{})
	require.NoError(t, err)
	defer mf.Close(true)

	for i := int64(0); i < 3; i++ {
		b := mf.New(false, 1)
		assert.Equal(t, block.Persisted(i), b.ID())
		assert.Len(t, b.Data(), block.DefaultPageSize)
		mf.Put(b, false, false)
	}

	b := mf.New(true, 2)
	assert.Equal(t, block.Unassigned(1), b.ID())
	assert.Len(t, b.Data(), 2*block.DefaultPageSize)
	mf.Put(b, true, false)

	got, err := mf.Get(block.Unassigned(1), 2)
	require.NoError(t, err)
	assert.Same(t, b, got)
	mf.Put(got, false, false)

	assert.Equal(t, int64(3), mf.MaxBlock())
	assert.False(t, mf.NeedTrans(), "memory-only memfiles never translate")
}

func TestGetMissingBlock(t *testing.T) {
	mf, err := Open("", Options{})
	require.NoError(t, err)
	defer mf.Close(true)

	_, err = mf.Get(block.Persisted(5), 1)
	assert.ErrorIs(t, err, ErrBlockNotFound)
	_, err = mf.Get(block.Unassigned(1), 1)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	b := mf.New(false, 1)
	mf.Free(b)
	_, err = mf.Get(block.Persisted(0), 1)
	assert.ErrorIs(t, err, ErrBlockNotFound, "freed block is not in a memory-only file")
}

func TestBadPageSize(t *testing.T) {
	_, err := Open("", Options{PageSize: 100})
	assert.ErrorIs(t, err, ErrBadPageSize)

	mf, err := Open("", Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, mf.SetPageSize(block.MaxPageSize+1), ErrBadPageSize)
}

func TestSyncAndReopen(t *testing.T) {
	mf, path := openTemp(t, Options{PageSize: 1024})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b := mf.New(false, 1)
		copy(b.Data(), fmt.Sprintf("block %d", i))
		mf.Put(b, true, false)
	}
	assert.True(t, mf.Dirty())
	require.NoError(t, mf.Sync(ctx, SyncAll|SyncFlush))
	assert.False(t, mf.Dirty())
	assert.Equal(t, int64(3), mf.InfileCount())
	require.NoError(t, mf.Close(false))

	re, err := Open(path, Options{PageSize: 1024, ReadOnly: true})
	require.NoError(t, err)
	defer re.Close(false)

	assert.Equal(t, int64(3), re.MaxBlock())
	b, err := re.Get(block.Persisted(2), 1)
	require.NoError(t, err)
	assert.Equal(t, "block 2", string(b.Data()[:7]))
	re.Put(b, false, false)

	assert.ErrorIs(t, re.Sync(ctx, SyncAll), ErrReadOnly)
}

func TestUnassignedTranslation(t *testing.T) {
	mf, _ := openTemp(t, Options{})
	ctx := context.Background()

	hdr := mf.New(false, 1)
	mf.Put(hdr, true, false)

	b := mf.New(true, 1)
	copy(b.Data(), "data")
	mf.Put(b, true, false)
	assert.True(t, mf.NeedTrans())

	require.NoError(t, mf.Sync(ctx, 0))
	assert.False(t, b.ID().Assigned(), "plain sync skips unassigned blocks")
	assert.True(t, b.Dirty())

	require.NoError(t, mf.Sync(ctx, SyncAll))
	require.True(t, b.ID().Assigned())
	assert.False(t, b.Dirty())

	got, err := mf.Get(block.Unassigned(1), 1)
	require.NoError(t, err, "translated blocks are found by their old number")
	assert.Same(t, b, got)
	mf.Put(got, false, false)

	id, ok := mf.Trans(block.Unassigned(1))
	assert.True(t, ok)
	assert.Equal(t, b.ID(), id)
	assert.False(t, mf.NeedTrans())

	_, ok = mf.Trans(block.Unassigned(1))
	assert.False(t, ok, "a translation is consumed once")
}

func TestPutInfileAssigns(t *testing.T) {
	mf, _ := openTemp(t, Options{})

	b := mf.New(true, 1)
	mf.Put(b, true, true)
	assert.Equal(t, block.Persisted(0), b.ID())
	id, ok := mf.Trans(block.Unassigned(1))
	assert.True(t, ok)
	assert.Equal(t, block.Persisted(0), id)
}

func TestFreeListReuse(t *testing.T) {
	mf, err := Open("", Options{})
	require.NoError(t, err)
	defer mf.Close(true)

	first := mf.New(false, 1)
	big := mf.New(false, 3)
	mf.Put(first, false, false)
	mf.Put(big, false, false)
	assert.Equal(t, int64(4), mf.MaxBlock())

	mf.Free(big)
	a := mf.New(false, 2)
	assert.Equal(t, block.Persisted(1), a.ID())
	c := mf.New(false, 1)
	assert.Equal(t, block.Persisted(3), c.ID())
	d := mf.New(false, 1)
	assert.Equal(t, block.Persisted(4), d.ID(), "free list is exhausted")
}

func TestSyncZeroWritesHeaderOnly(t *testing.T) {
	mf, _ := openTemp(t, Options{PageSize: 1024})

	hdr := mf.New(false, 1)
	mf.Put(hdr, true, false)
	other := mf.New(false, 1)
	mf.Put(other, true, false)

	require.NoError(t, mf.Sync(context.Background(), SyncZero))
	assert.False(t, hdr.Dirty())
	assert.True(t, other.Dirty())
}

func TestEviction(t *testing.T) {
	mf, _ := openTemp(t, Options{PageSize: 1024, MaxCached: 2})

	for i := 0; i < 5; i++ {
		b := mf.New(false, 1)
		copy(b.Data(), fmt.Sprintf("block %d", i))
		mf.Put(b, true, false)
	}
	assert.Equal(t, 2, mf.Cached())

	b, err := mf.Get(block.Persisted(2), 1)
	require.NoError(t, err)
	assert.Equal(t, "block 2", string(b.Data()[:7]))
	mf.Put(b, false, false)
}

func TestMemoryOnly(t *testing.T) {
	mf, err := Open("", Options{})
	require.NoError(t, err)
	defer mf.Close(true)

	b := mf.New(false, 1)
	mf.Put(b, true, false)
	assert.ErrorIs(t, mf.Sync(context.Background(), SyncAll), ErrNoFile)
	assert.False(t, mf.Dirty())
	assert.ErrorIs(t, mf.Rename("x"), ErrNoFile)
}

func TestOpenFileLater(t *testing.T) {
	mf, err := Open("", Options{PageSize: 1024})
	require.NoError(t, err)
	defer mf.Close(true)

	for i := 0; i < 3; i++ {
		b := mf.New(false, 1)
		mf.Put(b, false, false)
	}

	path := filepath.Join(t.TempDir(), "late.swp")
	require.NoError(t, mf.OpenFile(path))
	assert.Equal(t, path, mf.Name())
	assert.Error(t, mf.OpenFile(path), "second swap file")

	mf.SetDirty()
	require.NoError(t, mf.Sync(context.Background(), SyncAll))
	assert.Equal(t, int64(3), mf.InfileCount())

	other, err := Open("", Options{})
	require.NoError(t, err)
	assert.Error(t, other.OpenFile(path), "existing file must not be reused")
}

func TestCloseFileKeepsBlocks(t *testing.T) {
	mf, path := openTemp(t, Options{PageSize: 1024})

	b := mf.New(false, 1)
	copy(b.Data(), "kept")
	mf.Put(b, true, false)
	require.NoError(t, mf.Sync(context.Background(), 0))

	require.NoError(t, mf.CloseFile(true))
	assert.False(t, mf.HasFile())
	assert.NoFileExists(t, path)
	assert.ErrorIs(t, mf.CloseFile(false), ErrNoFile)

	got, err := mf.Get(b.ID(), 1)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got.Data()[:4]))
	mf.Put(got, false, false)
}
