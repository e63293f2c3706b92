// Package upstream sends encoded provider requests over HTTP. It owns one
// pooled client per provider and turns non-2xx answers into typed errors.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// maxErrorBody caps how much of a failed response is read for diagnostics.
const maxErrorBody = 64 * 1024

// ErrTransport marks failures that happened before a response was received.
var ErrTransport = errors.New("upstream transport error")

// TransportError wraps a dial, TLS or connection failure for one provider.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Response is a successful upstream answer with an already decompressed body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Options tunes the shared transport.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultOptions suits long generations: headers may take a while when a
// provider queues the request.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   32,
	}
}

// Pool hands out one http.Client per provider id so connections to the same
// upstream are reused across requests.
type Pool struct {
	opts    Options
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewPool(opts Options, logger *slog.Logger) *Pool {
	return &Pool{
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

// Client returns the pooled client for a provider, creating it on first use.
func (p *Pool) Client(provider *routing.ProviderDefinition) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[provider.ID]; ok {
		return c
	}

	c := &http.Client{Transport: p.newTransport()}
	p.clients[provider.ID] = c
	return c
}

// Forget drops pooled clients for providers no longer configured.
func (p *Pool) Forget(keep func(id string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, c := range p.clients {
		if keep(id) {
			continue
		}
		c.CloseIdleConnections()
		delete(p.clients, id)
	}
}

func (p *Pool) newTransport() *http.Transport {
	base, _ := http.DefaultTransport.(*http.Transport)
	t := base.Clone()
	t.DialContext = (&net.Dialer{Timeout: p.opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = p.opts.ResponseHeaderTimeout
	t.IdleConnTimeout = p.opts.IdleConnTimeout
	t.MaxIdleConnsPerHost = p.opts.MaxIdleConnsPerHost
	t.ForceAttemptHTTP2 = true
	// Decompression is done here so brotli is covered as well as gzip.
	t.DisableCompression = true
	return t
}

// Send performs req against the provider. A non-2xx status is returned as a
// *providers.UpstreamError; the caller owns the returned body.
func (p *Pool) Send(ctx context.Context, provider *routing.ProviderDefinition, req *providers.NativeRequest) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	p.logger.Debug("Sending upstream request",
		"provider", provider.ID,
		"url", req.URL,
		"stream", req.Stream,
	)

	resp, err := p.Client(provider).Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Provider: provider.ID, Err: err}
	}

	body, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

		p.logger.Warn("Upstream error response",
			"provider", provider.ID,
			"status", resp.StatusCode,
			"body", truncate(string(raw), 512),
		)

		return nil, providers.ParseError(resp.StatusCode, resp.Header, raw)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// IsStreaming reports whether the response is an event stream.
func IsStreaming(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

func decompressReader(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return &readCloser{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	}
	return resp.Body, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
