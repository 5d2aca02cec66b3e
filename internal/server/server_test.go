package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/memline/internal/config"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testEnv struct {
	t   *testing.T
	dir string
	srv *Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Swap.Dirs = []string{dir}
	cfg.Swap.PageSize = 1024
	cfg.Swap.Fsync = false

	s, err := New(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &testEnv{t: t, dir: dir, srv: s, ts: ts}
}

func (e *testEnv) do(method, path string, body any, out any) (int, string) {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(e.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var r testResponse
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&r))
	if out != nil && r.Success {
		require.NoError(e.t, json.Unmarshal(r.Data, out))
	}
	return resp.StatusCode, r.Error
}

func (e *testEnv) writeFile(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) open(path string) BufferInfo {
	e.t.Helper()
	var info BufferInfo
	code, msg := e.do(http.MethodPost, "/api/open", OpenRequest{Path: path}, &info)
	require.Equal(e.t, http.StatusOK, code, msg)
	return info
}

func TestOpenEditWrite(t *testing.T) {
	e := newTestEnv(t)
	path := e.writeFile("notes.txt", "a\nb\n")

	info := e.open(path)
	assert.Equal(t, 2, info.Lines)
	assert.False(t, info.Changed)
	assert.Equal(t, "unix", info.FileFormat)
	assert.Equal(t, filepath.Join(e.dir, "notes.txt.swp"), info.Swap)
	id := info.ID

	code, msg := e.do(http.MethodPost, "/api/append", EditRequest{ID: id, Lnum: 2, Text: "c"}, &info)
	require.Equal(t, http.StatusOK, code, msg)
	assert.Equal(t, 3, info.Lines)
	assert.True(t, info.Changed)

	var line LineResponse
	code, _ = e.do(http.MethodGet, "/api/line?id="+id+"&lnum=3", nil, &line)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, LineResponse{Lnum: 3, Text: "c"}, line)

	code, _ = e.do(http.MethodPost, "/api/replace", EditRequest{ID: id, Lnum: 1, Text: "A"}, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodDelete, "/api/line?id="+id+"&lnum=2", nil, &info)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, info.Lines)

	var lines []string
	code, _ = e.do(http.MethodGet, "/api/lines?id="+id, nil, &lines)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"A", "c"}, lines)

	var off OffsetResponse
	code, _ = e.do(http.MethodGet, "/api/offset?id="+id+"&lnum=2", nil, &off)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, OffsetResponse{Lnum: 2, Offset: 2}, off)
	code, _ = e.do(http.MethodGet, "/api/offset?id="+id+"&offset=3", nil, &off)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, OffsetResponse{Lnum: 2, Offset: 1}, off)

	var written map[string]int64
	code, msg = e.do(http.MethodPost, "/api/write", WriteRequest{ID: id}, &written)
	require.Equal(t, http.StatusOK, code, msg)
	assert.Equal(t, int64(4), written["bytes"])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A\nc\n", string(data))

	code, _ = e.do(http.MethodGet, "/api/buffer?id="+id, nil, &info)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, info.Changed)

	var status StatusResponse
	code, _ = e.do(http.MethodGet, "/api/status", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, status.Count)

	code, _ = e.do(http.MethodPost, "/api/close", CloseRequest{ID: id}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NoFileExists(t, info.Swap)
	code, _ = e.do(http.MethodGet, "/api/status", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, status.Count)
}

func TestNewFileGetsSwapOnFirstChange(t *testing.T) {
	e := newTestEnv(t)
	info := e.open(filepath.Join(e.dir, "new.txt"))
	assert.True(t, info.Empty)
	assert.Empty(t, info.Swap)

	code, _ := e.do(http.MethodPost, "/api/replace", EditRequest{ID: info.ID, Lnum: 1, Text: "hello"}, &info)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, filepath.Join(e.dir, "new.txt.swp"), info.Swap)
	assert.FileExists(t, info.Swap)
}

func TestRequestErrors(t *testing.T) {
	e := newTestEnv(t)
	info := e.open(e.writeFile("a.txt", "x\n"))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"open wrong method", http.MethodGet, "/api/open", nil, http.StatusMethodNotAllowed},
		{"open without path", http.MethodPost, "/api/open", OpenRequest{}, http.StatusBadRequest},
		{"open bad existing", http.MethodPost, "/api/open", OpenRequest{Path: "x", Existing: "maybe"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/buffer?id=nope", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/buffer?id=6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil, http.StatusNotFound},
		{"bad lnum", http.MethodGet, "/api/line?id=" + info.ID + "&lnum=x", nil, http.StatusBadRequest},
		{"missing lnum", http.MethodGet, "/api/line?id=" + info.ID, nil, http.StatusBadRequest},
		{"line beyond end", http.MethodGet, "/api/line?id=" + info.ID + "&lnum=5", nil, http.StatusNotFound},
		{"delete beyond end", http.MethodDelete, "/api/line?id=" + info.ID + "&lnum=5", nil, http.StatusNotFound},
		{"append beyond end", http.MethodPost, "/api/append", EditRequest{ID: info.ID, Lnum: 9}, http.StatusNotFound},
		{"text with NUL", http.MethodPost, "/api/append", EditRequest{ID: info.ID, Text: "a\x00b"}, http.StatusBadRequest},
		{"offset past end", http.MethodGet, "/api/offset?id=" + info.ID + "&offset=100", nil, http.StatusNotFound},
		{"recover without names", http.MethodPost, "/api/recover", RecoverRequest{}, http.StatusBadRequest},
		{"recover nothing", http.MethodPost, "/api/recover", RecoverRequest{Path: filepath.Join(e.dir, "none.txt")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := e.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, code, msg)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestExistingSwapFile(t *testing.T) {
	e := newTestEnv(t)
	path := e.writeFile("a.txt", "x\n")
	first := e.open(path)

	code, msg := e.do(http.MethodPost, "/api/open", OpenRequest{Path: path, Existing: "quit"}, nil)
	assert.Equal(t, http.StatusConflict, code, msg)

	var info BufferInfo
	code, msg = e.do(http.MethodPost, "/api/open", OpenRequest{Path: path, Existing: "readonly"}, &info)
	require.Equal(t, http.StatusOK, code, msg)
	assert.True(t, info.ReadOnly)
	assert.Equal(t, strings.TrimSuffix(first.Swap, "p")+"o", info.Swap)
}

func TestRecoverAfterCrash(t *testing.T) {
	e := newTestEnv(t)
	path := e.writeFile("a.txt", "one\ntwo\nthree\n")
	info := e.open(path)
	code, _ := e.do(http.MethodPost, "/api/append", EditRequest{ID: info.ID, Lnum: 3, Text: "four"}, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodPost, "/api/close", CloseRequest{ID: info.ID, KeepSwap: true}, nil)
	require.Equal(t, http.StatusOK, code)
	require.FileExists(t, info.Swap)

	var entries []SwapFileEntry
	code, _ = e.do(http.MethodGet, "/api/swapfiles?path="+path, nil, &entries)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, entries, 1)
	assert.Equal(t, info.Swap, entries[0].Path)
	require.NotNil(t, entries[0].Info)
	assert.Equal(t, os.Getpid(), entries[0].Info.Pid)
	assert.True(t, entries[0].Info.Dirty)

	var rec RecoverResponse
	code, msg := e.do(http.MethodPost, "/api/recover", RecoverRequest{Path: path}, &rec)
	require.Equal(t, http.StatusOK, code, msg)
	assert.Equal(t, info.Swap, rec.SwapName)
	assert.Zero(t, rec.Errors)
	assert.True(t, rec.Modified)
	assert.True(t, rec.Buffer.Recovered)
	assert.Equal(t, 4, rec.Buffer.Lines)
	assert.NotEqual(t, info.Swap, rec.Buffer.Swap, "the old swap file stays until the user deletes it")

	var lines []string
	code, _ = e.do(http.MethodGet, "/api/lines?id="+rec.Buffer.ID, nil, &lines)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)
}

func TestMarks(t *testing.T) {
	e := newTestEnv(t)
	info := e.open(e.writeFile("a.txt", "1\n2\n3\n"))

	code, _ := e.do(http.MethodPost, "/api/mark", MarkRequest{ID: info.ID, Lnum: 2}, nil)
	require.Equal(t, http.StatusOK, code)

	var got map[string]int
	code, _ = e.do(http.MethodGet, "/api/mark?id="+info.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, got["lnum"])
	code, _ = e.do(http.MethodGet, "/api/mark?id="+info.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, got["lnum"])

	code, _ = e.do(http.MethodDelete, "/api/mark?id="+info.ID, nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestFileChangedPreserves(t *testing.T) {
	e := newTestEnv(t)
	var sb strings.Builder
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&sb, "line %03d\n", i)
	}
	path := e.writeFile("big.txt", sb.String())
	info := e.open(path)
	code, _ := e.do(http.MethodPost, "/api/replace", EditRequest{ID: info.ID, Lnum: 1, Text: "edited"}, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(http.MethodPost, "/api/sync", SyncRequest{CheckFile: true}, nil)
	require.Equal(t, http.StatusOK, code)
	e.do(http.MethodGet, "/api/buffer?id="+info.ID, nil, &info)
	assert.False(t, info.Preserved)

	require.NoError(t, os.WriteFile(path, []byte("someone else\n"), 0o644))
	e.srv.fileChanged(context.Background(), path)
	e.do(http.MethodGet, "/api/buffer?id="+info.ID, nil, &info)
	assert.True(t, info.Preserved)
}

func TestWatcherRelevant(t *testing.T) {
	e := newTestEnv(t)
	path := e.writeFile("a.txt", "x\n")
	e.open(path)
	w := e.srv.watcher

	assert.True(t, w.relevant(fsnotify.Event{Name: path, Op: fsnotify.Write}))
	assert.True(t, w.relevant(fsnotify.Event{Name: path, Op: fsnotify.Remove}))
	assert.False(t, w.relevant(fsnotify.Event{Name: path, Op: fsnotify.Chmod}))
	assert.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(e.dir, "b.txt"), Op: fsnotify.Write}))

	w.remove(path)
	assert.False(t, w.relevant(fsnotify.Event{Name: path, Op: fsnotify.Write}))
}

func TestCloseKeepsChangedSwapFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Swap.Dirs = []string{dir}
	s, err := New(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	e := &testEnv{t: t, dir: dir, srv: s, ts: ts}

	changed := e.open(e.writeFile("a.txt", "x\n"))
	clean := e.open(e.writeFile("b.txt", "y\n"))
	code, _ := e.do(http.MethodPost, "/api/append", EditRequest{ID: changed.ID, Text: "new"}, nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, s.Close())
	assert.FileExists(t, changed.Swap)
	assert.NoFileExists(t, clean.Swap)
}
