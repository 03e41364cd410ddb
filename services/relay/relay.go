package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SAP/leanix-custom-report-tools/pkg/telemetry"
	"github.com/SAP/leanix-custom-report-tools/pkg/transport"
)

const (
	serviceName     = "lxr-relay"
	requestIDHeader = "X-Request-Id"
)

// ErrAlreadyStarted is returned by Start on a relay that is running or closed.
var ErrAlreadyStarted = errors.New("relay already started")

// Config configures a Relay.
type Config struct {
	// Host is the remote workspace host; requests are forwarded to https://Host.
	Host     string
	ProxyURL string
	// Listen is the local bind address; the default picks an ephemeral port on all interfaces.
	Listen string
	// RateLimit caps relayed requests per minute; zero disables the limit.
	RateLimit int
	Logger    zerolog.Logger
	// Transport replaces the outbound round tripper; TLS verification is the caller's concern then.
	Transport http.RoundTripper
}

// Relay is the local reverse proxy that lets a browser-hosted report reach the workspace.
type Relay struct {
	cfg     Config
	target  *url.URL
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	started  bool
	closed   bool
	done     chan struct{}
	serveErr error
}

// New validates cfg and builds the relay handler. Nothing is bound until Start.
func New(cfg Config) (*Relay, error) {
	if cfg.Host == "" {
		return nil, errors.New("relay: host is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":0"
	}
	target, err := url.Parse("https://" + cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("relay: parse target: %w", err)
	}
	rt, err := transport.NewRoundTripper(transport.Options{ProxyURL: cfg.ProxyURL, Base: cfg.Transport})
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	r := &Relay{
		cfg:    cfg,
		target: target,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
		done:   make(chan struct{}),
	}
	r.handler = r.routes(rt)
	return r, nil
}

func (r *Relay) routes(rt http.RoundTripper) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(r.target)
			pr.Out.Host = r.target.Host
			pr.Out.Header.Del("Origin")
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Error().Err(err).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("request_id", req.Header.Get(requestIDHeader)).
				Msg("upstream request failed")
			http.Error(w, "relay: upstream request failed", http.StatusBadGateway)
		},
	}

	router := chi.NewRouter()
	router.Use(requestID)
	if r.cfg.RateLimit > 0 {
		router.Use(httprate.LimitAll(r.cfg.RateLimit, time.Minute))
	}
	router.Use(instrument)
	router.Handle("/*", proxy)

	return telemetry.Middleware(serviceName, r.logger)(router)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(requestIDHeader) == "" {
			req.Header.Set(requestIDHeader, uuid.NewString())
		}
		next.ServeHTTP(w, req)
	})
}

// Handler exposes the relay handler without binding a socket.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Start binds the listen address and serves in the background. The address is known
// once Start returns.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", r.cfg.Listen, err)
	}

	r.listener = ln
	r.server = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.started = true

	go func() {
		defer close(r.done)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Msg("relay server stopped")
			r.mu.Lock()
			r.serveErr = err
			r.mu.Unlock()
		}
	}()

	r.logger.Debug().Str("addr", ln.Addr().String()).Str("target", r.target.String()).Msg("relay listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Done is closed when the serve loop exits after a successful Start.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the serve loop, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serveErr
}

// Close stops the relay. It is safe to call more than once and on a relay that never started.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	server := r.server
	r.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: shutdown: %w", err)
	}
	<-r.done
	return nil
}
