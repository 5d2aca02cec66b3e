package memline

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/memline/internal/block"
)

// crashed builds a buffer with a swap file in dir, lets fill edit it and
// closes it without deleting the swap file.
func crashed(t *testing.T, dir, fname string, fill func(m *Memline)) (swap string, want []string) {
	t.Helper()
	m := newMemline(t, Options{FileName: fname, Dirs: []string{dir}, PageSize: 1024})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	fill(m)
	want = allLines(t, m)
	swap = m.SwapName()
	require.NoError(t, m.Close(false))
	require.FileExists(t, swap)
	return swap, want
}

func TestRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	swap, want := crashed(t, dir, fname, func(m *Memline) {
		for i := 0; i < 500; i++ {
			require.NoError(t, m.Append(i, fmt.Sprintf("row %d %s", i, strings.Repeat("=", i%50)), false))
		}
		require.NoError(t, m.Replace(10, "changed"))
		require.NoError(t, m.Delete(20))
	})

	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)

	assert.Equal(t, want, allLines(t, out))
	assert.Equal(t, swap, res.SwapName)
	assert.Equal(t, fname, res.FileName)
	assert.Equal(t, len(want), res.Lines)
	assert.Zero(t, res.Errors)
	assert.NoError(t, res.Err())
	assert.True(t, res.Modified, "there is no original file")
	assert.True(t, out.Recovered())
	assert.True(t, out.Changed())
	assert.Empty(t, out.SwapName())
	checkTree(t, out)
}

func TestRecoverUnwrittenBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "orig.txt")
	writeOriginal(t, fname, 300)

	swap, want := crashed(t, dir, fname, func(m *Memline) {
		n, err := m.Load(ctx, fname)
		require.NoError(t, err)
		require.Equal(t, 300, n)
		require.True(t, m.mf.NeedTrans())
	})
	require.Len(t, want, 300)

	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)

	assert.Equal(t, want, allLines(t, out))
	assert.Zero(t, res.Errors)
	assert.False(t, res.Modified)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, FormatUnix, res.FileFormat)
	assert.False(t, out.Changed())
}

func TestRecoverChangedOriginalWarns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "orig.txt")
	writeOriginal(t, fname, 5)

	swap, _ := crashed(t, dir, fname, func(m *Memline) {
		_, err := m.Load(ctx, fname)
		require.NoError(t, err)
		require.NoError(t, m.Preserve(ctx, false))
	})
	require.NoError(t, os.WriteFile(fname, []byte("rewritten\n"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(fname, future, future))

	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)
	assert.Equal(t, []string{"original file may have been changed"}, res.Warnings)
	assert.True(t, res.Modified)
	assert.Equal(t, 5, out.LineCount())
}

func TestRecoverDamagedBlock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	swap, _ := crashed(t, dir, fname, func(m *Memline) {
		for i := 0; i < 300; i++ {
			require.NoError(t, m.Append(i, fmt.Sprintf("line %03d", i+1), false))
		}
	})

	data, err := os.ReadFile(swap)
	require.NoError(t, err)
	root := block.NewPointerBlock(data[1024:2048], false)
	require.GreaterOrEqual(t, root.Count(), 3)
	e, err := root.Entry(1)
	require.NoError(t, err)
	require.True(t, e.Block.Assigned())
	off := int(e.Block.Num()) * 1024
	data[off], data[off+1] = 0, 0
	require.NoError(t, os.WriteFile(swap, data, 0o600))

	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)

	assert.Greater(t, res.Errors, 0)
	assert.ErrorIs(t, res.Err(), ErrRecoveryErrors)
	lines := allLines(t, out)
	assert.Contains(t, lines, markBlockMissed)
	assert.Equal(t, "line 001", lines[0])
	assert.Equal(t, "line 300", lines[len(lines)-2], "blocks after the damage survive")
}

// recoverCorrupted writes n numbered lines to a swap file with 1024 byte
// pages, lets corrupt change the file through a view of the root block and
// recovers it.
func recoverCorrupted(t *testing.T, n int, corrupt func(data []byte, root *block.PointerBlock)) ([]string, *Result) {
	t.Helper()
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	swap, want := crashed(t, dir, fname, func(m *Memline) {
		for i := 0; i < n; i++ {
			require.NoError(t, m.Append(i, fmt.Sprintf("line %04d", i+1), false))
		}
	})
	require.Len(t, want, n+1)

	data, err := os.ReadFile(swap)
	require.NoError(t, err)
	corrupt(data, block.NewPointerBlock(data[1024:2048], false))
	require.NoError(t, os.WriteFile(swap, data, 0o600))

	out, res, err := Recover(context.Background(), RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	t.Cleanup(func() { out.Close(true) })
	return allLines(t, out), res
}

// numbered returns the lines recoverCorrupted writes, with the empty last
// line.
func numbered(n int) []string {
	lines := make([]string, 0, n+1)
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf("line %04d", i))
	}
	return append(lines, "")
}

// rootChild returns entry i of the root and the file offset of its block.
func rootChild(t *testing.T, data []byte, root *block.PointerBlock, i int, kind uint16) (block.Entry, int) {
	t.Helper()
	require.Greater(t, root.Count(), i)
	e, err := root.Entry(i)
	require.NoError(t, err)
	require.True(t, e.Block.Assigned())
	off := int(e.Block.Num()) * 1024
	require.Equal(t, kind, block.Kind(data[off:]))
	return e, off
}

func TestRecoverLineCountWrong(t *testing.T) {
	lines, res := recoverCorrupted(t, 4000, func(data []byte, root *block.PointerBlock) {
		e, _ := rootChild(t, data, root, 0, block.PointerID)
		e.LineCount += 5
		require.NoError(t, root.SetEntry(0, e))
	})

	assert.Equal(t, 1, res.Errors)
	assert.ErrorIs(t, res.Err(), ErrRecoveryErrors)
	assert.Equal(t, markCountWrong, lines[0])
	assert.Equal(t, numbered(4000), lines[1:])
}

func TestRecoverEmptyBlock(t *testing.T) {
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		root.SetCount(0)
	})

	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{markEmptyBlock}, lines)
	assert.Equal(t, 1, res.Lines)
}

func TestRecoverManyLinesMissing(t *testing.T) {
	var first, second int
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		e0, _ := rootChild(t, data, root, 0, block.DataID)
		e, _ := rootChild(t, data, root, 1, block.DataID)
		first, second = int(e0.LineCount), int(e.LineCount)
		require.NoError(t, root.SetBlock(1, block.Persisted(9999)))
	})

	want := numbered(300)
	want = append(append(append([]string{}, want[:first]...), markManyMissing), want[first+second:]...)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, want, lines)
}

func TestRecoverTextEndMessedUp(t *testing.T) {
	var first, second int
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		e0, _ := rootChild(t, data, root, 0, block.DataID)
		e, off := rootChild(t, data, root, 1, block.DataID)
		first, second = int(e0.LineCount), int(e.LineCount)
		binary.NativeEndian.PutUint32(data[off+12:], 500)
	})

	want := numbered(300)
	var expect []string
	expect = append(expect, want[:first]...)
	expect = append(expect, markMessedUp)
	expect = append(expect, want[first:first+second]...)
	expect = append(expect, markEnd)
	expect = append(expect, want[first+second:]...)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, expect, lines)
}

func TestRecoverLineCountMismatch(t *testing.T) {
	var first, second int
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		e0, _ := rootChild(t, data, root, 0, block.DataID)
		e, _ := rootChild(t, data, root, 1, block.DataID)
		first, second = int(e0.LineCount), int(e.LineCount)
		e.LineCount += 3
		require.NoError(t, root.SetEntry(1, e))
	})

	want := numbered(300)
	var expect []string
	expect = append(expect, want[:first]...)
	expect = append(expect, markInsDel)
	expect = append(expect, want[first:first+second]...)
	expect = append(expect, markEnd)
	expect = append(expect, want[first+second:]...)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, expect, lines)
}

func TestRecoverBadLineIndex(t *testing.T) {
	var first int
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		e0, _ := rootChild(t, data, root, 0, block.DataID)
		_, off := rootChild(t, data, root, 1, block.DataID)
		first = int(e0.LineCount)
		idx := off + block.DataHeaderSize + 2*block.IndexSize
		binary.NativeEndian.PutUint32(data[idx:], 3)
	})

	want := numbered(300)
	want[first+2] = markBadLine
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, want, lines)
}

func TestRecoverLinesMissing(t *testing.T) {
	var first, second int
	lines, res := recoverCorrupted(t, 300, func(data []byte, root *block.PointerBlock) {
		e0, _ := rootChild(t, data, root, 0, block.DataID)
		e, _ := rootChild(t, data, root, 1, block.DataID)
		first, second = int(e0.LineCount), int(e.LineCount)
		e.Block = block.Unassigned(5)
		require.NoError(t, root.SetEntry(1, e))
	})

	want := numbered(300)
	want = append(append(append([]string{}, want[:first]...), markLinesMissed), want[first+second:]...)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, want, lines)
	assert.True(t, res.Modified)
}

func TestRecoverCancelled(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	swap, _ := crashed(t, dir, fname, func(m *Memline) {
		require.NoError(t, m.Append(0, "one", false))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)
	assert.True(t, res.Interrupted)
	assert.ErrorIs(t, res.Err(), ErrInterrupted)
}

func TestRecoverFindsSwapFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	swap, want := crashed(t, dir, fname, func(m *Memline) {
		require.NoError(t, m.Append(0, "hello", false))
	})
	assert.Equal(t, []string{"hello", ""}, want)

	out, res, err := Recover(ctx, RecoverOptions{FileName: fname, Dirs: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, swap, res.SwapName)
	assert.Equal(t, want, allLines(t, out))
	require.NoError(t, out.Close(true))

	// A swap file name given as the file name is used directly; the file
	// name then comes from block 0.
	out, res, err = Recover(ctx, RecoverOptions{FileName: swap})
	require.NoError(t, err)
	assert.Equal(t, swap, res.SwapName)
	assert.Equal(t, fname, res.FileName)
	assert.Equal(t, fname, out.FileName())
	require.NoError(t, out.Close(true))
}

func TestRecoverChoosesAmongSwapFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	first, _ := crashed(t, dir, fname, func(m *Memline) {
		require.NoError(t, m.Append(0, "first", false))
	})

	m := newMemline(t, Options{FileName: fname, Dirs: []string{dir}, ShortMessAttention: true})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Append(0, "second", false))
	second := m.SwapName()
	require.NotEqual(t, first, second)
	require.NoError(t, m.Close(false))

	_, _, err = Recover(ctx, RecoverOptions{FileName: fname, Dirs: []string{dir}})
	assert.ErrorIs(t, err, ErrAmbiguousSwap)

	// Names are sorted: ".swo" before ".swp".
	out, res, err := Recover(ctx, RecoverOptions{FileName: fname, Dirs: []string{dir}, Index: 2})
	require.NoError(t, err)
	defer out.Close(true)
	assert.Equal(t, first, res.SwapName)
	s, err := out.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "first", s)
}

func TestRecoverNoSwapFile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Recover(context.Background(), RecoverOptions{
		FileName: filepath.Join(dir, "none.txt"),
		Dirs:     []string{dir},
	})
	assert.ErrorIs(t, err, ErrNoSwapFile)

	junk := filepath.Join(dir, "junk.swp")
	require.NoError(t, os.WriteFile(junk, make([]byte, 2048), 0o600))
	_, _, err = Recover(context.Background(), RecoverOptions{SwapName: junk})
	assert.Error(t, err)
}

func TestLooksLikeSwap(t *testing.T) {
	assert.True(t, looksLikeSwap("a.swp"))
	assert.True(t, looksLikeSwap(".a.txt.swo"))
	assert.True(t, looksLikeSwap("A.SWP"))
	assert.False(t, looksLikeSwap("a.sxp"))
	assert.False(t, looksLikeSwap("a.txt"))
	assert.False(t, looksLikeSwap("swp"))
}
