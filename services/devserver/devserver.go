// Package devserver serves a built report directory during development. It stands in for the
// host build tool's own dev server and exposes health and metrics endpoints next to the assets.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SAP/leanix-custom-report-tools/pkg/telemetry"
)

const serviceName = "lxr-devserver"

// Config configures a Server.
type Config struct {
	// Dir is the directory served at /.
	Dir string
	// Host is the bind host; empty binds every interface.
	Host string
	// Port is the bind port; zero picks an ephemeral port.
	Port   int
	Logger zerolog.Logger
}

// Server is a static file server with CORS open to any origin.
type Server struct {
	cfg     Config
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	closed   bool
	done     chan struct{}
}

// New validates cfg and prepares the router.
func New(cfg Config) (*Server, error) {
	if cfg.Dir == "" {
		return nil, errors.New("devserver: dir is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("devserver: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("devserver: %s is not a directory", cfg.Dir)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("devserver: invalid port %d", cfg.Port)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "devserver").Logger(),
		done:   make(chan struct{}),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(noCache)

	r.Get("/-/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/-/metrics", promhttp.Handler())
	r.Handle("/*", http.FileServer(http.Dir(s.cfg.Dir)))

	return telemetry.Middleware(serviceName, s.logger)(r)
}

// noCache marks every response no-store. The header is set again when the status is written
// because http.FileServer drops Cache-Control on its error responses.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(&noStoreWriter{ResponseWriter: w}, r)
	})
}

type noStoreWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *noStoreWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("Cache-Control", "no-store")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *noStoreWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *noStoreWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Handler exposes the router without binding a socket.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Host returns the configured bind host, the value launch URLs resolve a hostname from.
func (s *Server) Host() string {
	return s.cfg.Host
}

// Start binds and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil || s.closed {
		return errors.New("devserver: already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("dev server stopped")
		}
	}()

	s.logger.Debug().Str("addr", ln.Addr().String()).Str("dir", s.cfg.Dir).Msg("dev server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down; repeated calls are no-ops.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devserver: shutdown: %w", err)
	}
	<-s.done
	return nil
}
