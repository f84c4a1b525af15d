package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jupark12/karaoke-worker/ingress"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/progress"
	"github.com/jupark12/karaoke-worker/queue"
)

// multipartOverhead is allowed on top of the upload limit for form fields
// and boundaries.
const multipartOverhead = 1 << 20

// Options configures a Server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server handles HTTP requests for song submission and job management
type Server struct {
	ingress        *ingress.Service
	queue          *queue.JobQueue
	wsManager      *models.WebSocketManager
	upgrader       websocket.Upgrader
	httpAddr       string
	allowedOrigins []string
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewServer creates a new server instance. q may be nil when jobs run in
// process, in which case the /jobs routes answer 404.
func NewServer(svc *ingress.Service, q *queue.JobQueue, wsManager *models.WebSocketManager, opts Options) *Server {
	s := &Server{
		ingress:        svc,
		queue:          q,
		wsManager:      wsManager,
		httpAddr:       opts.Addr,
		allowedOrigins: opts.AllowedOrigins,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         logging.NewComponentLogger(opts.Logger, "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

// NotifyJobUpdate is the worker callback for finished jobs.
func (s *Server) NotifyJobUpdate(job *models.SeparationJob) {
	s.wsManager.BroadcastJobUpdate(job)
}

// NotifyProgress is the progress listener for pipeline updates.
func (s *Server) NotifyProgress(record models.ProgressRecord) {
	s.wsManager.BroadcastProgress(record)
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /songs", s.handleSubmit)
	mux.HandleFunc("GET /songs/{taskId}/status", s.handleStatus)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/{taskId}", s.handleJobDetails)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.requestLogger(s.cors(mux))
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", logging.String("addr", s.httpAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			if slices.Contains(s.allowedOrigins, "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			logging.String(logging.FieldRequestID, uuid.NewString()),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

// handleSubmit accepts a multipart upload with fields file, model, source
// and title.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio file")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	handle, err := s.ingress.Submit(r.Context(), ingress.Submission{
		Filename: header.Filename,
		Title:    r.FormValue("title"),
		Model:    r.FormValue("model"),
		Source:   r.FormValue("source"),
		Content:  content,
	})
	var (
		dup     *pipeline.DuplicateSubmissionError
		invalid *pipeline.ValidationError
	)
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{"error": dup.Error(), "taskId": dup.TaskID})
		return
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
		return
	case err != nil:
		s.logger.Error("submission failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to accept submission")
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	record, err := s.ingress.Status(r.Context(), taskID)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("status lookup failed", logging.TaskID(taskID), logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleJobs lists queue jobs, optionally filtered by ?status=
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "job queue disabled")
		return
	}
	jobs, err := s.queue.JobsByStatus(models.JobStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status parameter")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobDetails returns one queue job
func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "job queue disabled")
		return
	}
	job, err := s.queue.GetJob(r.PathValue("taskId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"websocket_clients": s.wsManager.ClientCount(),
	})
}

// handleWebSocket registers a client for progress and job pushes
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	// Send the current job list before registering, so the write cannot
	// race a broadcast.
	var jobs []*models.SeparationJob
	if s.queue != nil {
		jobs = s.queue.GetAllJobs()
	}
	if err := conn.WriteJSON(map[string]any{"type": "initial_jobs", "jobs": jobs}); err != nil {
		conn.Close()
		return
	}
	s.wsManager.RegisterClient(conn)

	go func() {
		for {
			// Client messages are ignored; a read error means disconnect.
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsManager.UnregisterClient(conn)
				return
			}
		}
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
