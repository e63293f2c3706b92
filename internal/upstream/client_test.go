package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

func testPool() *Pool {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPool(DefaultOptions(), logger)
}

func nativeRequest(url string) *providers.NativeRequest {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer secret")
	return &providers.NativeRequest{Method: http.MethodPost, URL: url, Header: h, Body: []byte(`{"model":"m"}`)}
}

func TestPool_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := testPool().Send(context.Background(), &routing.ProviderDefinition{ID: "p"}, nativeRequest(server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.False(t, IsStreaming(resp.Header))
}

func TestPool_Send_Decompression(t *testing.T) {
	payload := []byte(`{"compressed":true}`)

	tests := []struct {
		encoding string
		compress func([]byte) []byte
	}{
		{"gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			zw.Write(b)
			zw.Close()
			return buf.Bytes()
		}},
		{"br", func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			bw.Write(b)
			bw.Close()
			return buf.Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Write(tt.compress(payload))
			}))
			defer server.Close()

			resp, err := testPool().Send(context.Background(), &routing.ProviderDefinition{ID: "p"}, nativeRequest(server.URL))
			require.NoError(t, err)
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, raw)
		})
	}
}

func TestPool_Send_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	_, err := testPool().Send(context.Background(), &routing.ProviderDefinition{ID: "p"}, nativeRequest(server.URL))

	var upstream *providers.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, providers.ErrorTypeRateLimit, upstream.Type)
	assert.Equal(t, "3s", upstream.RetryAfter.String())
}

func TestPool_Send_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := testPool().Send(context.Background(), &routing.ProviderDefinition{ID: "down"}, nativeRequest(url))
	assert.ErrorIs(t, err, ErrTransport)
}

func TestPool_Send_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testPool().Send(ctx, &routing.ProviderDefinition{ID: "p"}, nativeRequest("http://127.0.0.1:1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestPool_ClientReuse(t *testing.T) {
	pool := testPool()
	a := &routing.ProviderDefinition{ID: "a"}
	b := &routing.ProviderDefinition{ID: "b"}

	assert.Same(t, pool.Client(a), pool.Client(a))
	assert.NotSame(t, pool.Client(a), pool.Client(b))

	pool.Forget(func(id string) bool { return id == "b" })
	assert.Len(t, pool.clients, 1)
}
