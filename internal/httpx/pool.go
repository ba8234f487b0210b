// SPDX-License-Identifier: MIT

// Package httpx provides the shared outbound HTTP client. All external
// calls (slskd, Spotify, Deezer, MusicBrainz) go through one pooled
// transport so connection reuse and limits are global, not per-caller.
package httpx

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"

	"github.com/ManuGH/tonearm/internal/log"
)

// PoolConfig tunes the shared transport.
type PoolConfig struct {
	MaxConns       int
	MaxIdleConns   int
	RequestTimeout time.Duration
}

// DefaultPoolConfig returns production pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:       50,
		MaxIdleConns:   20,
		RequestTimeout: 30 * time.Second,
	}
}

// Pool owns the shared client and its transport.
type Pool struct {
	client    *http.Client
	transport *http.Transport
}

// NewPool builds the shared client. HTTP/2 is enabled where the server
// supports it so concurrent calls to the same host multiplex over one
// connection. The transport is wrapped with otelhttp; without a tracer
// provider configured that wrapper is a no-op.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultPoolConfig().MaxConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = DefaultPoolConfig().MaxIdleConns
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultPoolConfig().RequestTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxConns,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		l := log.WithComponent("httpx")
		l.Warn().Err(err).Msg("http2 configuration failed, falling back to http1")
	}

	return &Pool{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.RequestTimeout,
		},
		transport: transport,
	}
}

// Client returns the shared client.
func (p *Pool) Client() *http.Client { return p.client }

// Close drops idle connections. In-flight requests finish normally.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
