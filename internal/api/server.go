// Package api is the ingest service's HTTP surface: the frame and LiDAR
// ingest endpoints, the latest-scene query and stream, and the journal and
// statistics pages.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/aura/internal/camera"
	"github.com/banshee-data/aura/internal/db"
	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/serialmux"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultMaxBodyBytes bounds ingest request bodies when Config leaves it 0.
const DefaultMaxBodyBytes = 1 << 20

// shutdownTimeout bounds how long Run waits for open requests, including
// SSE streams, before closing them.
const shutdownTimeout = 2 * time.Second

// EventLister reads the ingest journal. *db.DB implements it.
type EventLister interface {
	RecentEvents(ctx context.Context, kind string, limit int) ([]db.EventRecord, error)
}

// Config wires a Server. Coordinator is required; the rest are optional.
type Config struct {
	Coordinator  *ingest.Coordinator
	Journal      EventLister
	Metrics      *monitoring.Metrics
	Camera       *camera.Poller
	Device       *serialmux.DeviceState
	MaxBodyBytes int64
}

type Server struct {
	coord    *ingest.Coordinator
	journal  EventLister
	metrics  *monitoring.Metrics
	camera   *camera.Poller
	device   *serialmux.DeviceState
	maxBytes int64
}

func NewServer(cfg Config) *Server {
	s := &Server{
		coord:    cfg.Coordinator,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		camera:   cfg.Camera,
		device:   cfg.Device,
		maxBytes: cfg.MaxBodyBytes,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBodyBytes
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// RecoverMiddleware turns a handler panic into a 500 so that one bad
// request never takes the process down.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Printf("[api] panic serving %s %s: %v", r.Method, r.URL.Path, v)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.homeHandler)
	mux.HandleFunc("/frame", s.frameHandler)
	mux.HandleFunc("/lidar", s.lidarHandler)
	mux.HandleFunc("/context/latest", s.latestHandler)
	mux.HandleFunc("/context/stream", s.streamHandler)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.Handle("/metrics", s.metrics.Handler())
	s.attachDebugRoutes(mux)
	return mux
}

// Handler is the full middleware stack around mux.
func Handler(mux http.Handler) http.Handler {
	return LoggingMiddleware(RecoverMiddleware(mux))
}

// Run serves handler on addr until ctx is done, then shuts down.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
