package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mistakster/mongodb-queue/internal/backend"
	"github.com/mistakster/mongodb-queue/internal/config"
	"github.com/mistakster/mongodb-queue/pkg/queue"
)

// Server exposes the queue operations over HTTP. Queues are opened lazily on
// first reference and shared across requests.
type Server struct {
	backend    backend.Backend
	log        *zap.Logger
	visibility time.Duration
	delay      time.Duration

	srv *http.Server
	lis net.Listener

	mu     sync.Mutex
	queues map[string]*queue.Queue
}

// New wires the router. The backend stays owned by the caller.
func New(b backend.Backend, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		backend:    b,
		log:        log,
		visibility: cfg.VisibilityTimeout.Std(),
		delay:      cfg.DefaultDelay.Std(),
		queues:     make(map[string]*queue.Queue),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/v1/healthz", s.handleHealth)
	r.Route("/v1/queues/{queue}", func(r chi.Router) {
		r.Post("/messages", s.handleAdd)
		r.Post("/claim", s.handleClaim)
		r.Post("/renew", s.handleRenew)
		r.Post("/complete", s.handleComplete)
		r.Post("/purge", s.handlePurge)
		r.Get("/stats", s.handleStats)
	})

	s.srv = &http.Server{Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("http server listening", zap.String("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close force-closes the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// queueFor returns the lease manager for the named queue, opening it (and
// running index setup) on first use.
func (s *Server) queueFor(ctx context.Context, name string) (*queue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		return q, nil
	}
	q, err := queue.New(s.backend.Queue(name), name,
		queue.WithVisibilityTimeout(s.visibility),
		queue.WithDefaultDelay(s.delay),
		queue.WithLogger(s.log.With(zap.String("queue", name))),
	)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	s.queues[name] = q
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, queue.ErrUnknownOrExpiredLease) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type addRequest struct {
	Payload []byte `json:"payload"`
	// Delay is a duration string like "5s". Empty means the queue default.
	Delay string `json:"delay,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	delay := -1 * time.Nanosecond
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		delay = d
	}
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := q.Add(r.Context(), req.Payload, delay)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type claimRequest struct {
	// Visibility overrides the queue visibility timeout, as a duration string.
	Visibility string `json:"visibility,omitempty"`
	// Wait bounds long-polling for a message; empty means return immediately.
	Wait string `json:"wait,omitempty"`
}

type claimResponse struct {
	ID         string `json:"id"`
	LeaseToken string `json:"leaseToken"`
	Payload    []byte `json:"payload,omitempty"`
	Tries      int32  `json:"tries"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var opts queue.ClaimOptions
	if req.Visibility != "" {
		d, err := time.ParseDuration(req.Visibility)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid visibility")
			return
		}
		opts.Visibility = d
	}
	if req.Wait != "" {
		d, err := time.ParseDuration(req.Wait)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		opts.WaitFor = d
	}
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := q.Claim(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ID:         msg.ID,
		LeaseToken: msg.LeaseToken,
		Payload:    msg.Payload,
		Tries:      msg.Tries,
	})
}

type leaseRequest struct {
	LeaseToken string `json:"leaseToken"`
	// Visibility applies to renew only.
	Visibility string `json:"visibility,omitempty"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseToken == "" {
		writeError(w, http.StatusBadRequest, "leaseToken is required")
		return
	}
	var visibility time.Duration
	if req.Visibility != "" {
		d, err := time.ParseDuration(req.Visibility)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid visibility")
			return
		}
		visibility = d
	}
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := q.Renew(r.Context(), req.LeaseToken, visibility)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseToken == "" {
		writeError(w, http.StatusBadRequest, "leaseToken is required")
		return
	}
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := q.Complete(r.Context(), req.LeaseToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := q.PurgeCompleted(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	InFlight  int64 `json:"inFlight"`
	Done      int64 `json:"done"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueFor(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	var resp statsResponse
	if resp.Total, err = q.Total(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.Available, err = q.AvailableCount(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.InFlight, err = q.InFlightCount(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.Done, err = q.DoneCount(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
