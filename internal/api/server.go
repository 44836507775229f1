// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlpool/crawlpool/internal/crawl"
	"github.com/crawlpool/crawlpool/internal/metrics"
	"github.com/crawlpool/crawlpool/internal/pool"
	"github.com/crawlpool/crawlpool/internal/status"
)

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router  chi.Router
	crawler *crawl.Crawler
	status  *status.SystemStatus
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The system
// status may be nil when no snapshotter is running.
func NewServer(crawler *crawl.Crawler, sys *status.SystemStatus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawler: crawler,
		status:  sys,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.crawlStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/crawl", func(r chi.Router) {
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/abort", s.abort)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse aggregates the live view of one crawl run.
type statusResponse struct {
	RunID  string         `json:"run_id"`
	Pool   pool.Snapshot  `json:"pool"`
	Stats  crawl.Stats    `json:"stats"`
	System *status.Report `json:"system,omitempty"`
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl configured")
		return
	}
	resp := statusResponse{
		RunID: s.crawler.RunID(),
		Pool:  s.crawler.Pool().Status(),
		Stats: s.crawler.Stats(),
	}
	if s.status != nil {
		report := s.status.CurrentReport()
		resp.System = &report
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl configured")
		return
	}
	s.crawler.Pool().Pause()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.crawler.Pool().State())})
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl configured")
		return
	}
	s.crawler.Pool().Resume()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.crawler.Pool().State())})
}

func (s *Server) abort(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl configured")
		return
	}
	s.crawler.Abort()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.crawler.Pool().State())})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, msg string) {
	s.writeJSON(w, statusCode, map[string]string{"error": msg})
}
