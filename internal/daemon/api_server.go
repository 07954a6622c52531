package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"docflow/internal/api"
	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/workflow"
)

// multipartMemory is how much of an upload ParseMultipartForm keeps in
// memory before spilling to a temp file.
const multipartMemory = 8 << 20

// multipartOverhead is the allowance for multipart framing and form fields
// on top of api.max_upload_mb, which limits the file part alone.
const multipartOverhead = 64 << 10

type apiServer struct {
	bind       string
	logger     *slog.Logger
	daemon     *Daemon
	maxUpload  int64
	extensions map[string]struct{}
	router     chi.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:       cfg.API.Bind,
		logger:     logging.NewComponentLogger(logger, "api-server"),
		daemon:     d,
		maxUpload:  cfg.MaxUploadBytes(),
		extensions: make(map[string]struct{}, len(cfg.API.AllowedExtensions)),
	}
	for _, ext := range cfg.API.AllowedExtensions {
		srv.extensions[ext] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestContext)
	r.Use(srv.accessLog)
	r.Use(middleware.Recoverer)

	r.Post("/documents", srv.handleSubmit)
	r.Get("/documents/{documentId}/status", srv.handleDocumentStatus)
	r.Get("/health", srv.handleHealth)
	r.Get("/status", srv.handleDaemonStatus)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		srv.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		srv.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	srv.router = r
	return srv
}

func (s *apiServer) start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_server_failed",
				logging.String(logging.FieldErrorHint, "check the api.bind address"),
				logging.Error(err),
			)
		}
	}()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop(timeout time.Duration) {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api server shutdown incomplete", logging.Error(err))
		_ = server.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.bind
}

// requestContext copies the chi request id into the context keys the
// logging helpers read.
func (s *apiServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.WithContext(r.Context(), s.logger).Debug("http request",
			logging.String(logging.FieldEventType, "http_request"),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Int("bytes", ww.BytesWritten()),
			logging.Duration("elapsed", time.Since(start)),
			logging.String("remote", r.RemoteAddr),
		)
	})
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyLimit := s.maxUpload + multipartOverhead
	if r.ContentLength > bodyLimit {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()
	if header.Size > s.maxUpload {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
		return
	}

	filename := filepath.Base(strings.TrimSpace(header.Filename))
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		s.writeError(w, http.StatusBadRequest, "uploaded file has no name")
		return
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.extensions[ext]; !ok {
		s.writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file extension %q", ext))
		return
	}

	id := uuid.NewString()
	key := blob.DocumentKey(id, filename)
	size, err := s.daemon.blobs.Put(ctx, key, file)
	if err != nil {
		s.fail(w, r, "store upload", err)
		return
	}

	documentID, err := s.daemon.workflow.Submit(ctx, workflow.Document{
		ID:          id,
		Filename:    filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        size,
		SourceKey:   key,
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			s.discardUpload(ctx, key)
		}
		s.fail(w, r, "submit document", err)
		return
	}

	rec, err := s.daemon.workflow.Status(ctx, documentID)
	if err != nil {
		rec = &ledger.Record{DocumentID: documentID}
	}
	s.writeJSON(w, http.StatusAccepted, api.SubmitResponseFromRecord(rec))
}

// discardUpload removes the blob of a rejected submission.
func (s *apiServer) discardUpload(ctx context.Context, key string) {
	if err := s.daemon.blobs.Delete(ctx, key); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "rejected upload not removed", "upload_cleanup_failed",
			logging.String("blob_key", key),
			logging.String(logging.FieldErrorHint, "check blob store permissions; the object can be deleted by hand"),
			logging.String(logging.FieldImpact, "an orphaned upload stays in blob storage"),
			logging.Error(err),
		)
	}
}

func (s *apiServer) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimSpace(chi.URLParam(r, "documentId"))
	rec, err := s.daemon.workflow.Status(r.Context(), documentID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("document %s not found", documentID))
		return
	case err != nil:
		s.fail(w, r, "read status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromRecord(rec))
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, healthy := api.NewHealthResponse(s.daemon.Health(r.Context()))
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *apiServer) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status())
}

// fail logs err and replies with the status its error class maps to.
func (s *apiServer) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	code := services.HTTPStatus(err)
	logger := logging.WithContext(r.Context(), s.logger)
	if code >= http.StatusInternalServerError {
		logging.ErrorWithContext(logger, operation+" failed", "api_request_failed",
			logging.String(logging.FieldErrorHint, "check backend connectivity with docflow health"),
			logging.String("error_kind", services.Kind(err)),
			logging.Int("status", code),
			logging.Error(err),
		)
	}
	s.writeError(w, code, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
