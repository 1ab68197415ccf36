package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/metrics"
	"github.com/rankwatch/rankwatch/internal/ranking"
	"github.com/rankwatch/rankwatch/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultFailuresLimit  = 50
	maxFailuresLimit      = 1000
)

// Config controls the HTTP surface.
type Config struct {
	DefaultCategory string
	// CaptureDir is served under /captures and /api/download.
	CaptureDir     string
	RequestTimeout time.Duration
	// Location formats the crawl timestamps.
	Location *time.Location
}

// CrawlSchedule reports the crawl cadence.
type CrawlSchedule interface {
	Next() time.Time
	Running() bool
}

// Server wires HTTP handlers to the ranking store.
type Server struct {
	router   chi.Router
	store    *store.Store
	schedule CrawlSchedule
	clock    ranking.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. schedule may be
// nil when no scheduler runs in this process.
func NewServer(st *store.Store, schedule CrawlSchedule, clock ranking.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "skincare"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	metrics.Init()
	s := &Server{
		store:    st,
		schedule: schedule,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Route("/api", func(r chi.Router) {
			r.Get("/ranking", s.getRanking)
			r.Get("/search", s.search)
			r.Get("/last-crawl-time", s.lastCrawlTime)
			r.Get("/failures", s.failures)
			r.Get("/captures", s.listCaptures)
			r.Get("/download/{filename}", s.download)
		})
		if cfg.CaptureDir != "" {
			r.Handle("/captures/*", http.StripPrefix("/captures/", http.FileServer(http.Dir(cfg.CaptureDir))))
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
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
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", RequestID(r.Context())),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"success":false,"error":"request timed out"}`)
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}
