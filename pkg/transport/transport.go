package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single outbound request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Options configures outbound HTTP clients.
type Options struct {
	// ProxyURL routes requests through an HTTP(S) proxy using CONNECT for TLS targets.
	ProxyURL string
	// Timeout bounds the whole request including reading the body. Zero selects DefaultTimeout.
	Timeout time.Duration
	// Base overrides the underlying round tripper; used by tests.
	Base http.RoundTripper
}

// ParseProxyURL validates a proxy URL. An empty string returns nil.
func ParseProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("proxy url is missing a host")
	}
	return parsed, nil
}

// NewRoundTripper returns a traced round tripper that honours the proxy setting.
// TLS verification stays enabled.
func NewRoundTripper(opts Options) (http.RoundTripper, error) {
	base := opts.Base
	if base == nil {
		proxy, err := ParseProxyURL(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if proxy != nil {
			tr.Proxy = http.ProxyURL(proxy)
		}
		base = tr
	}
	return otelhttp.NewTransport(base), nil
}

// NewClient builds a single-attempt HTTP client bounded by opts.Timeout.
func NewClient(opts Options) (*http.Client, error) {
	rt, err := NewRoundTripper(opts)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}
