// Package server provides an HTTP API for editing buffers backed by memlines.
// Every buffer has a swap file; the original files are watched and a buffer
// is preserved as soon as its file changes on disk.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/config"
	"github.com/oda/memline/internal/swapfile"
	"github.com/oda/memline/pkg/memline"
)

// buffer is one open memline. mu serializes every use of ml, including the
// syncs started by the registry.
type buffer struct {
	id   uuid.UUID
	path string
	mu   sync.Mutex
	ml   *memline.Memline
}

// Server holds the open buffers and provides HTTP handlers.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	reg     *memline.Registry
	watcher *fileWatcher

	mu   sync.RWMutex
	bufs map[uuid.UUID]*buffer
}

// Response is a generic JSON response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BufferInfo describes an open buffer.
type BufferInfo struct {
	ID         string `json:"id"`
	Path       string `json:"path,omitempty"`
	Lines      int    `json:"lines"`
	Empty      bool   `json:"empty"`
	Changed    bool   `json:"changed"`
	ReadOnly   bool   `json:"readOnly"`
	Recovered  bool   `json:"recovered"`
	Preserved  bool   `json:"preserved"`
	Swap       string `json:"swap,omitempty"`
	FileFormat string `json:"fileFormat"`
}

// StatusResponse lists the open buffers.
type StatusResponse struct {
	Count   int          `json:"count"`
	Buffers []BufferInfo `json:"buffers"`
}

// New returns a server using cfg. log may be nil.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := newFileWatcher(log)
	if err != nil {
		return nil, errors.Wrap(err, "file watcher")
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		reg:     memline.NewRegistry(log),
		watcher: w,
		bufs:    make(map[uuid.UUID]*buffer),
	}, nil
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/open", s.handleOpen)
	mux.HandleFunc("/api/close", s.handleClose)
	mux.HandleFunc("/api/buffer", s.handleBuffer)
	mux.HandleFunc("/api/line", s.handleLine)
	mux.HandleFunc("/api/lines", s.handleLines)
	mux.HandleFunc("/api/append", s.handleAppend)
	mux.HandleFunc("/api/replace", s.handleReplace)
	mux.HandleFunc("/api/offset", s.handleOffset)
	mux.HandleFunc("/api/mark", s.handleMark)
	mux.HandleFunc("/api/write", s.handleWrite)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/preserve", s.handlePreserve)
	mux.HandleFunc("/api/swapfiles", s.handleSwapFiles)
	mux.HandleFunc("/api/recover", s.handleRecover)
	return cors(mux)
}

func cors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Run serves HTTP on the configured address and watches the edited files
// until ctx is done. The buffers stay open; see Close.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.watcher.run(ctx, s.fileChanged)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("memline API server starting", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close closes every buffer. Swap files of unchanged buffers are deleted;
// changed buffers keep theirs so they can be recovered.
func (s *Server) Close() error {
	n := s.reg.CloseNotModified()
	err := s.reg.CloseAll(false)
	s.mu.Lock()
	s.bufs = make(map[uuid.UUID]*buffer)
	s.mu.Unlock()
	if werr := s.watcher.close(); werr != nil && err == nil {
		err = werr
	}
	s.log.Info("buffers closed", zap.Int("unchanged", n))
	return err
}

// fileChanged is called when an edited file was written, removed or
// replaced by another process.
func (s *Server) fileChanged(ctx context.Context, name string) {
	s.log.Debug("edited file changed", zap.String("file", name))
	if err := s.reg.SyncAll(ctx, true, s.cfg.Swap.Fsync); err != nil {
		s.log.Warn("sync after file change", zap.String("file", name), zap.Error(err))
	}
}

func (s *Server) add(ml *memline.Memline, path string) *buffer {
	b := &buffer{id: uuid.New(), path: path, ml: ml}
	s.mu.Lock()
	s.bufs[b.id] = b
	s.mu.Unlock()
	s.reg.Add(ml, &b.mu)
	s.watcher.add(path)
	return b
}

func (s *Server) remove(b *buffer) {
	s.mu.Lock()
	delete(s.bufs, b.id)
	s.mu.Unlock()
	s.reg.Remove(b.ml)
	s.watcher.remove(b.path)
}

func (s *Server) lookup(id string) (*buffer, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, errBadRequest("invalid buffer id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bufs[u]
	if !ok {
		return nil, errNotFound("no such buffer")
	}
	return b, nil
}

// info describes b; the caller holds b.mu.
func (b *buffer) info() BufferInfo {
	return BufferInfo{
		ID:         b.id.String(),
		Path:       b.path,
		Lines:      b.ml.LineCount(),
		Empty:      b.ml.IsEmpty(),
		Changed:    b.ml.Changed(),
		ReadOnly:   b.ml.ReadOnly(),
		Recovered:  b.ml.Recovered(),
		Preserved:  b.ml.Preserved(),
		Swap:       b.ml.SwapName(),
		FileFormat: b.ml.FileFormat().String(),
	}
}

// httpError carries the status code for an error shown to the client.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errBadRequest(msg string) error { return &httpError{http.StatusBadRequest, msg} }
func errNotFound(msg string) error   { return &httpError{http.StatusNotFound, msg} }

// statusOf maps an error to an HTTP status.
func statusOf(err error) int {
	var he *httpError
	var exists *swapfile.ExistsError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.As(err, &exists):
		return http.StatusConflict
	case errors.Is(err, memline.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, memline.ErrInvalidText), errors.Is(err, memline.ErrLineTooLong):
		return http.StatusBadRequest
	case errors.Is(err, memline.ErrAmbiguousSwap):
		return http.StatusConflict
	case errors.Is(err, memline.ErrNoSwapFile):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), Response{Error: err.Error()})
}
