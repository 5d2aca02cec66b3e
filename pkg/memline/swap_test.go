package memline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/memline/internal/swapfile"
)

// writeOriginal writes n numbered lines to path.
func writeOriginal(t *testing.T, path string, n int) {
	t.Helper()
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "line %03d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func TestOpenSwapCreatesFile(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	m := newMemline(t, Options{FileName: fname, Dirs: []string{dir}})
	assert.Empty(t, m.SwapName())

	res, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	want := filepath.Join(dir, "notes.txt.swp")
	assert.Equal(t, want, res.Name)
	assert.Equal(t, want, m.SwapName())
	assert.FileExists(t, want)

	info, err := swapfile.ReadInfo(want)
	require.NoError(t, err)
	assert.Equal(t, fname, swapfile.ExpandHome(info.FileName))
	assert.Equal(t, os.Getpid(), info.Pid)
	assert.True(t, info.Running)
	assert.False(t, info.Dirty)
	assert.True(t, info.SameDir)

	again, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, want, again.Name)

	require.NoError(t, m.Close(true))
	assert.NoFileExists(t, want)
}

func TestOpenSwapNoDirectory(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))

	m := newMemline(t, Options{FileName: filepath.Join(dir, "a.txt")})
	_, err := m.OpenSwap([]string{filepath.Join(blocked, "sub")}, nil)
	assert.ErrorIs(t, err, ErrNoSwapFile)
	assert.Empty(t, m.SwapName())

	require.NoError(t, m.Append(0, "memory only", false))
	s, err := m.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "memory only", s)
}

func TestLazySwap(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	m := newMemline(t, Options{
		FileName:    fname,
		Dirs:        []string{dir},
		MaySwap:     true,
		UpdateCount: 2,
	})
	assert.Empty(t, m.SwapName())

	require.NoError(t, m.Append(0, "one", false))
	swap := m.SwapName()
	require.NotEmpty(t, swap)
	assert.FileExists(t, swap)
	require.NoError(t, m.Append(1, "two", false))
	assert.Zero(t, m.changes, "synced after UpdateCount changes")

	info, err := swapfile.ReadInfo(swap)
	require.NoError(t, err)
	assert.True(t, info.Dirty)

	m.SetChanged(false)
	info, err = swapfile.ReadInfo(swap)
	require.NoError(t, err)
	assert.False(t, info.Dirty)
}

func TestOpenSwapExistingSwapFile(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(fname, []byte("x\n"), 0o644))

	m1 := newMemline(t, Options{FileName: fname, Dirs: []string{dir}})
	_, err := m1.OpenSwap(nil, nil)
	require.NoError(t, err)
	require.NoError(t, m1.Append(0, "dirty", false))

	var seen swapfile.Attention
	m2 := newMemline(t, Options{FileName: fname, Dirs: []string{dir}})
	res, err := m2.OpenSwap(nil, func(a swapfile.Attention) swapfile.Choice {
		seen = a
		return swapfile.ChoiceReadOnly
	})
	require.NoError(t, err)
	assert.True(t, res.ReadOnly)
	assert.True(t, m2.ReadOnly())
	assert.Equal(t, filepath.Join(dir, "notes.txt.swo"), res.Name)
	assert.Equal(t, m1.SwapName(), seen.SwapName)
	require.NotNil(t, seen.Info)
	assert.True(t, seen.Info.Dirty)

	m3 := newMemline(t, Options{FileName: fname, Dirs: []string{dir}})
	_, err = m3.OpenSwap(nil, func(swapfile.Attention) swapfile.Choice { return swapfile.ChoiceQuit })
	var exists *swapfile.ExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, swapfile.ChoiceQuit, exists.Choice)
	assert.Equal(t, m1.SwapName(), exists.Path)
	assert.Empty(t, m3.SwapName())
}

func TestSetNameRenamesSwap(t *testing.T) {
	dir := t.TempDir()
	m := newMemline(t, Options{FileName: filepath.Join(dir, "a.txt"), Dirs: []string{dir}})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	old := m.SwapName()

	newName := filepath.Join(dir, "b.txt")
	require.NoError(t, m.SetName(newName, nil))
	assert.Equal(t, newName, m.FileName())
	assert.Equal(t, filepath.Join(dir, "b.txt.swp"), m.SwapName())
	assert.NoFileExists(t, old)
	assert.FileExists(t, m.SwapName())

	info, err := swapfile.ReadInfo(m.SwapName())
	require.NoError(t, err)
	assert.Equal(t, newName, swapfile.ExpandHome(info.FileName))
}

func TestSetNameWithoutSwap(t *testing.T) {
	dir := t.TempDir()
	m := newMemline(t, Options{FileName: filepath.Join(dir, "a.txt"), Dirs: []string{dir}})
	require.NoError(t, m.SetName(filepath.Join(dir, "b.txt"), nil))
	assert.Empty(t, m.SwapName(), "unchanged buffer keeps postponing the swap file")
}

func TestFlagsAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(fname, []byte("a\n"), 0o644))
	m := newMemline(t, Options{FileName: fname, Dirs: []string{dir}, Encoding: "utf-8"})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)

	m.SetFileFormat(FormatDos)
	require.NoError(t, m.SetFlags())
	info, err := swapfile.ReadInfo(m.SwapName())
	require.NoError(t, err)
	require.True(t, info.HasFileFormat)
	assert.Equal(t, int(FormatDos), info.FileFormat)
	assert.Equal(t, "utf-8", info.Encoding)

	ts := time.Unix(1600000000, 0)
	require.NoError(t, os.Chtimes(fname, ts, ts))
	require.NoError(t, m.Timestamp())
	info, err = swapfile.ReadInfo(m.SwapName())
	require.NoError(t, err)
	assert.Equal(t, ts.Unix(), info.Mtime)
}

func TestCloseSwapKeepsLines(t *testing.T) {
	dir := t.TempDir()
	m := newMemline(t, Options{
		FileName:  filepath.Join(dir, "a.txt"),
		Dirs:      []string{dir},
		PageSize:  1024,
		MaxCached: 3,
	})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	for i := 0; i < 400; i++ {
		require.NoError(t, m.Append(i, fmt.Sprintf("line %d", i), false))
	}
	want := allLines(t, m)
	swap := m.SwapName()

	require.NoError(t, m.CloseSwap(true))
	assert.NoFileExists(t, swap)
	assert.Empty(t, m.SwapName())
	assert.Equal(t, want, allLines(t, m))

	require.NoError(t, m.Append(0, "after", false))
	s, err := m.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "line 0", s)
	checkTree(t, m)
}

func TestSyncWithoutSwapFile(t *testing.T) {
	m := newMemline(t, Options{})
	require.NoError(t, m.Sync(context.Background(), SyncOptions{CheckFile: true}))
	assert.ErrorIs(t, m.Preserve(context.Background(), false), ErrNoSwapFile)
}

func TestPreserveTwice(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fname := filepath.Join(dir, "orig.txt")
	writeOriginal(t, fname, 300)

	m := newMemline(t, Options{FileName: fname, Dirs: []string{dir}, PageSize: 1024})
	_, err := m.OpenSwap(nil, nil)
	require.NoError(t, err)
	n, err := m.Load(ctx, fname)
	require.NoError(t, err)
	require.Equal(t, 300, n)
	require.True(t, m.mf.NeedTrans(), "blocks read from the file are not in the swap file yet")

	require.NoError(t, m.Preserve(ctx, false))
	assert.False(t, m.mf.NeedTrans())
	assert.True(t, m.Preserved())
	want := allLines(t, m)

	require.NoError(t, m.Preserve(ctx, false))
	assert.Equal(t, 300, m.LineCount())
	assert.Equal(t, want, allLines(t, m))
	checkTree(t, m)

	// Preserved: recovery no longer needs the original.
	require.NoError(t, os.Remove(fname))
	swap := m.SwapName()
	require.NoError(t, m.Close(false))

	out, res, err := Recover(ctx, RecoverOptions{SwapName: swap, FileName: fname})
	require.NoError(t, err)
	defer out.Close(true)
	assert.Equal(t, want, allLines(t, out))
	assert.Zero(t, res.Errors)
	assert.True(t, res.Modified)
}
