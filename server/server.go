// Package server serves queries on POST / and, optionally, the deployment
// admin routes and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/errors"
)

// DefaultMaxBodyBytes bounds a query request body.
const DefaultMaxBodyBytes = 1 << 20

// Lifecycle is the orchestrator surface of the admin routes.
type Lifecycle interface {
	Start(ctx context.Context, id subgraphruntime.DeploymentID) error
	Stop(ctx context.Context, id subgraphruntime.DeploymentID) error
	Running() []subgraphruntime.DeploymentID
}

// QueryObserver counts answered queries.
type QueryObserver interface {
	QueryServed(status int)
}

type Server struct {
	queries   chan<- Query
	lifecycle Lifecycle
	metrics   http.Handler
	observer  QueryObserver
	logger    *zap.Logger
	maxBody   int64
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLifecycle enables the /deployments routes.
func WithLifecycle(l Lifecycle) Option {
	return func(s *Server) { s.lifecycle = l }
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithQueryObserver(o QueryObserver) Option {
	return func(s *Server) { s.observer = o }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server forwarding queries to queries.
func New(queries chan<- Query, opts ...Option) *Server {
	s := &Server{
		queries: queries,
		logger:  zap.NewNop(),
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/", s.handleQuery)
	if s.lifecycle != nil {
		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/{id}/start", s.handleStart)
			r.Post("/{id}/stop", s.handleStop)
		})
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}

type queryRequest struct {
	Query     json.RawMessage `json:"query"`
	Variables map[string]any  `json:"variables"`
}

type errorBody struct {
	Errors []errorMessage `json:"errors"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func (s *Server) handleQuery(rw http.ResponseWriter, r *http.Request) {
	w := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
	if s.observer != nil {
		defer func() { s.observer.QueryServed(w.Status()) }()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Query) == 0 || string(req.Query) == "null" {
		s.fail(w, http.StatusBadRequest, "the \"query\" field is missing")
		return
	}

	q := NewQuery(req.Query, req.Variables)
	ctx := r.Context()
	select {
	case s.queries <- q:
	case <-ctx.Done():
		s.fail(w, http.StatusInternalServerError, "query not accepted")
		return
	}

	var res Result
	select {
	case res = <-q.Result:
	case <-ctx.Done():
		s.fail(w, http.StatusInternalServerError, "query cancelled")
		return
	}

	if res.Err != nil {
		status := http.StatusInternalServerError
		var e *errors.Error
		if stderrors.As(res.Err, &e) && (e.Kind == errors.KindInvalidInput || e.Kind == errors.KindNotFound) {
			status = http.StatusBadRequest
		} else {
			s.logger.Error("query failed", zap.Error(res.Err))
		}
		s.fail(w, status, res.Err.Error())
		return
	}
	s.reply(w, http.StatusOK, map[string]any{"data": res.Data})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	running := s.lifecycle.Running()
	ids := make([]string, len(running))
	for i, id := range running {
		ids[i] = id.String()
	}
	s.reply(w, http.StatusOK, map[string]any{"deployments": ids})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := subgraphruntime.DeploymentID(chi.URLParam(r, "id"))
	s.lifecycleReply(w, id, "started", s.lifecycle.Start(r.Context(), id))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := subgraphruntime.DeploymentID(chi.URLParam(r, "id"))
	s.lifecycleReply(w, id, "stopped", s.lifecycle.Stop(r.Context(), id))
}

func (s *Server) lifecycleReply(w http.ResponseWriter, id subgraphruntime.DeploymentID, status string, err error) {
	switch {
	case err == nil:
		s.reply(w, http.StatusOK, map[string]any{"deployment": id.String(), "status": status})
	case stderrors.Is(err, errors.ErrAlreadyRunning):
		s.fail(w, http.StatusConflict, err.Error())
	case stderrors.Is(err, errors.ErrNotRunning):
		s.fail(w, http.StatusNotFound, err.Error())
	case stderrors.Is(err, errors.ErrResolve):
		s.fail(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("lifecycle request failed", zap.String("deployment", id.String()), zap.Error(err))
		s.fail(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.reply(w, status, errorBody{Errors: []errorMessage{{Message: msg}}})
}

func (s *Server) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
