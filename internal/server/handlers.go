package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/swapfile"
	"github.com/oda/memline/pkg/memline"
)

// OpenRequest is the request body for opening a file. Existing says what to
// do about a swap file left by another session: "readonly", "delete",
// "quit" or "" to leave it alone and use another name.
type OpenRequest struct {
	Path     string `json:"path"`
	Existing string `json:"existing,omitempty"`
}

// CloseRequest is the request body for closing a buffer.
type CloseRequest struct {
	ID       string `json:"id"`
	KeepSwap bool   `json:"keepSwap"`
}

// EditRequest is the request body for APPEND and REPLACE. APPEND inserts
// after Lnum.
type EditRequest struct {
	ID   string `json:"id"`
	Lnum int    `json:"lnum"`
	Text string `json:"text"`
}

// MarkRequest is the request body for marking a line.
type MarkRequest struct {
	ID   string `json:"id"`
	Lnum int    `json:"lnum"`
}

// WriteRequest is the request body for writing a buffer; Path defaults to
// the buffer's file.
type WriteRequest struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// SyncRequest is the request body for syncing all swap files.
type SyncRequest struct {
	CheckFile bool `json:"checkFile"`
}

// IDRequest names a buffer.
type IDRequest struct {
	ID string `json:"id"`
}

// RecoverRequest is the request body for recovering a buffer. Either Path
// or SwapName is required.
type RecoverRequest struct {
	Path     string `json:"path,omitempty"`
	SwapName string `json:"swapName,omitempty"`
	Index    int    `json:"index,omitempty"`
}

// RecoverResponse describes a recovered buffer.
type RecoverResponse struct {
	Buffer      BufferInfo `json:"buffer"`
	SwapName    string     `json:"swapName"`
	Errors      int        `json:"errors"`
	Interrupted bool       `json:"interrupted"`
	Modified    bool       `json:"modified"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// LineResponse holds one line.
type LineResponse struct {
	Lnum int    `json:"lnum"`
	Text string `json:"text"`
}

// OffsetResponse holds a line number and a byte offset.
type OffsetResponse struct {
	Lnum   int `json:"lnum"`
	Offset int `json:"offset"`
}

// SwapFileEntry describes a swap file found for recovery.
type SwapFileEntry struct {
	Path  string         `json:"path"`
	Info  *swapfile.Info `json:"info,omitempty"`
	Error string         `json:"error,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("invalid request body")
	}
	return nil
}

// intParam returns the query parameter name, def when it is absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errBadRequest("invalid " + name + " format")
	}
	return n, nil
}

func chooserFor(existing string) (swapfile.Chooser, error) {
	var choice swapfile.Choice
	switch existing {
	case "":
		return nil, nil
	case "readonly":
		choice = swapfile.ChoiceReadOnly
	case "delete":
		choice = swapfile.ChoiceDelete
	case "quit":
		choice = swapfile.ChoiceQuit
	default:
		return nil, errBadRequest("existing must be readonly, delete or quit")
	}
	return func(a swapfile.Attention) swapfile.Choice { return choice }, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	s.mu.RLock()
	bufs := make([]*buffer, 0, len(s.bufs))
	for _, b := range s.bufs {
		bufs = append(bufs, b)
	}
	s.mu.RUnlock()

	status := StatusResponse{Count: len(bufs), Buffers: []BufferInfo{}}
	for _, b := range bufs {
		b.mu.Lock()
		status.Buffers = append(status.Buffers, b.info())
		b.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: status})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req OpenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "path is required"})
		return
	}
	chooser, err := chooserFor(req.Existing)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, errBadRequest("invalid path"))
		return
	}

	opts := s.cfg.Swap.Options(path, s.log)
	opts.Chooser = chooser
	ml, err := memline.Open(opts)
	if err != nil {
		writeError(w, errors.Wrap(err, "failed to open buffer"))
		return
	}

	// An existing file gets its swap file before it is read, so that a
	// swap file left by a crash is noticed first. New files get one on the
	// first change.
	if _, err := os.Stat(path); err == nil {
		if _, err := ml.OpenSwap(nil, nil); err != nil && !errors.Is(err, memline.ErrNoSwapFile) {
			ml.Close(true)
			writeError(w, err)
			return
		}
		if _, err := ml.Load(r.Context(), path); err != nil {
			ml.Close(true)
			writeError(w, err)
			return
		}
	}

	b := s.add(ml, path)
	b.mu.Lock()
	info := b.info()
	b.mu.Unlock()
	s.log.Info("buffer opened", zap.String("id", info.ID), zap.String("file", path), zap.Int("lines", info.Lines))
	writeJSON(w, http.StatusOK, Response{Success: true, Data: info})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req CloseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.lookup(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.remove(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ml.Close(!req.KeepSwap); err != nil {
		writeError(w, errors.Wrap(err, "failed to close"))
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	b, err := s.lookup(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, Response{Success: true, Data: b.info()})
}

// handleLine returns (GET) or deletes (DELETE) one line.
func (s *Server) handleLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	b, err := s.lookup(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	lnum, err := intParam(r, "lnum", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if lnum < 1 {
		writeJSON(w, http.StatusBadRequest, Response{Error: "lnum is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Method == http.MethodDelete {
		if err := b.ml.Delete(lnum); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true, Data: b.info()})
		return
	}

	text, err := b.ml.Get(lnum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: LineResponse{Lnum: lnum, Text: text}})
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	b, err := s.lookup(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start, err := intParam(r, "start", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := intParam(r, "end", b.ml.LineCount())
	if err != nil {
		writeError(w, err)
		return
	}
	if start < 1 {
		start = 1
	}
	end = min(end, b.ml.LineCount())

	lines := []string{}
	for lnum := start; lnum <= end; lnum++ {
		text, err := b.ml.Get(lnum)
		if err != nil {
			writeError(w, err)
			return
		}
		lines = append(lines, text)
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: lines})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	s.edit(w, r, func(b *buffer, req EditRequest) error {
		if req.Lnum < 0 || req.Lnum > b.ml.LineCount() {
			return errors.Wrapf(memline.ErrLineNotFound, "line %d", req.Lnum)
		}
		return b.ml.Append(req.Lnum, req.Text, false)
	})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	s.edit(w, r, func(b *buffer, req EditRequest) error {
		if req.Lnum < 1 || req.Lnum > b.ml.LineCount() {
			return errors.Wrapf(memline.ErrLineNotFound, "line %d", req.Lnum)
		}
		return b.ml.Replace(req.Lnum, req.Text)
	})
}

func (s *Server) edit(w http.ResponseWriter, r *http.Request, fn func(*buffer, EditRequest) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req EditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.lookup(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := fn(b, req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: b.info()})
}

// handleOffset converts a line number to its byte offset (lnum > 0) or a
// byte offset to a line and the offset in it (lnum = 0).
func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	b, err := s.lookup(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	lnum, err := intParam(r, "lnum", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var resp OffsetResponse
	if lnum > 0 {
		resp.Lnum = lnum
		resp.Offset, err = b.ml.LineOffset(lnum)
	} else {
		resp.Lnum, resp.Offset, err = b.ml.OffsetLine(offset)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: resp})
}

// handleMark marks a line (POST), takes the first marked line (GET) or
// clears all marks (DELETE).
func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	var id string
	var lnum int
	switch r.Method {
	case http.MethodPost:
		var req MarkRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		id, lnum = req.ID, req.Lnum
	case http.MethodGet, http.MethodDelete:
		id = r.URL.Query().Get("id")
	default:
		methodNotAllowed(w)
		return
	}
	b, err := s.lookup(id)
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		err = b.ml.SetMarked(lnum)
	case http.MethodDelete:
		err = b.ml.ClearMarked()
	default:
		lnum, err = b.ml.FirstMarked()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"lnum": lnum}})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req WriteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.lookup(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path
	if req.Path != "" {
		if path, err = filepath.Abs(req.Path); err != nil {
			writeError(w, errBadRequest("invalid path"))
			return
		}
	}
	if path == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "path is required"})
		return
	}

	n, err := writeFile(b.ml, path)
	if err != nil {
		writeError(w, errors.Wrapf(err, "failed to write %s", path))
		return
	}
	if path == b.path {
		b.ml.SetChanged(false)
		if err := b.ml.Timestamp(); err != nil {
			s.log.Warn("cannot update swap file timestamp", zap.String("file", path), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int64{"bytes": n}})
}

func writeFile(ml *memline.Memline, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := ml.WriteTo(f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return n, err
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req SyncRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.reg.SyncAll(r.Context(), req.CheckFile, s.cfg.Swap.Fsync); err != nil {
		writeError(w, errors.Wrap(err, "sync failed"))
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) handlePreserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req IDRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.lookup(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ml.Preserve(r.Context(), s.cfg.Swap.Fsync); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: b.info()})
}

// handleSwapFiles lists the swap files of path, or all swap files in the
// swap directories when path is empty.
func (s *Server) handleSwapFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	path := r.URL.Query().Get("path")
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			writeError(w, errBadRequest("invalid path"))
			return
		}
		path = abs
	}
	names, err := swapfile.RecoverNames(path, s.cfg.Swap.Dirs, "")
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]SwapFileEntry, 0, len(names))
	for _, name := range names {
		e := SwapFileEntry{Path: name}
		if info, err := swapfile.ReadInfo(name); err != nil {
			e.Error = err.Error()
		} else {
			e.Info = info
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: entries})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req RecoverRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" && req.SwapName == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "path or swapName is required"})
		return
	}
	path := req.Path
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			writeError(w, errBadRequest("invalid path"))
			return
		}
		path = abs
	}

	ml, res, err := memline.Recover(r.Context(), memline.RecoverOptions{
		SwapName: req.SwapName,
		FileName: path,
		Dirs:     s.cfg.Swap.Dirs,
		Index:    req.Index,
		Logger:   s.log,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := ml.OpenSwap(s.cfg.Swap.Dirs, nil); err != nil {
		s.log.Warn("recovered buffer has no swap file", zap.String("file", res.FileName), zap.Error(err))
	}

	b := s.add(ml, res.FileName)
	b.mu.Lock()
	info := b.info()
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, Response{Success: true, Data: RecoverResponse{
		Buffer:      info,
		SwapName:    res.SwapName,
		Errors:      res.Errors,
		Interrupted: res.Interrupted,
		Modified:    res.Modified,
		Warnings:    res.Warnings,
	}})
}
