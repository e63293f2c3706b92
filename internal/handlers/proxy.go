package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/config"
	"github.com/Davincible/claude-code-mux/internal/credentials"
	"github.com/Davincible/claude-code-mux/internal/failover"
	"github.com/Davincible/claude-code-mux/internal/format"
	"github.com/Davincible/claude-code-mux/internal/metrics"
	"github.com/Davincible/claude-code-mux/internal/middleware"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/relay"
	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/tokens"
	"github.com/Davincible/claude-code-mux/internal/upstream"
)

const (
	// maxRequestBody bounds client bodies; long coding sessions with images
	// get large.
	maxRequestBody = 32 << 20

	// maxResponseBody bounds non-streamed upstream bodies.
	maxResponseBody = 64 << 20
)

// Deps are the collaborators of ProxyHandler.
type Deps struct {
	Config      *config.Manager
	Store       *routing.Store
	Registry    *providers.Registry
	Pool        *upstream.Pool
	Credentials credentials.Source
	Executor    *failover.Executor
	Counter     *tokens.Counter
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// ProxyHandler serves the client protocol endpoints. Every request borrows
// one routing snapshot for its whole lifetime.
type ProxyHandler struct {
	config   *config.Manager
	store    *routing.Store
	registry *providers.Registry
	pool     *upstream.Pool
	creds    credentials.Source
	executor *failover.Executor
	counter  *tokens.Counter
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewProxyHandler(d Deps) *ProxyHandler {
	return &ProxyHandler{
		config:   d.Config,
		store:    d.Store,
		registry: d.Registry,
		pool:     d.Pool,
		creds:    d.Credentials,
		executor: d.Executor,
		counter:  d.Counter,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// exchange carries the state of one client request through the pipeline.
type exchange struct {
	start  time.Time
	logger *slog.Logger
	format format.ClientFormat
	mode   canonical.Mode
	status int
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	x := &exchange{
		start:  time.Now(),
		logger: h.logger.With("request_id", middleware.RequestID(ctx)),
		format: format.ClientAnthropic,
		status: http.StatusOK,
	}
	defer func() {
		h.metrics.ObserveRequest(string(x.format), x.mode, x.status, time.Since(x.start))
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.fail(w, x, &format.MalformedRequestError{Detail: fmt.Sprintf("read request body: %v", err)})
		return
	}

	det, err := format.Detect(r.URL.Path, body)
	if err != nil {
		h.fail(w, x, err)
		return
	}
	x.format = det.Format
	ctx = format.WithClientFormat(ctx, det.Format)

	req, err := format.Parse(det, body)
	if err != nil {
		h.fail(w, x, err)
		return
	}

	if det.Endpoint == format.EndpointCountTokens {
		h.countTokens(w, x, req)
		return
	}

	cfg := h.config.Get()
	req.Mode = format.DetectMode(r.Header, req, format.ModeOptions{
		LongContextThreshold: cfg.LongContextThreshold,
		BackgroundModels:     cfg.BackgroundModels,
		Estimate:             h.counter.Request,
	})
	x.mode = req.Mode
	x.logger = x.logger.With("model", req.Model, "mode", req.Mode)

	snap := h.store.Load()
	targets, err := routing.Resolve(snap, req.Model, req.Mode)
	if err != nil {
		h.fail(w, x, err)
		return
	}

	x.logger.Debug("Resolved candidates", "targets", targetIDs(targets), "stream", req.Stream)

	commit := &failover.Commitment{}
	res, err := h.executor.Execute(ctx, targets, commit, h.attempt(req))
	if err != nil {
		h.fail(w, x, err)
		return
	}

	x.logger.Info("Serving request",
		"provider", res.Target.Provider.ID,
		"upstream_model", res.Target.Model,
		"attempts", len(res.Attempts),
	)

	renderer := format.NewRenderer(det.Format, req.Model)

	if req.Stream {
		sum, err := relay.Stream(ctx, w, res.Stream, renderer.NewStream(w), commit, x.logger)
		h.metrics.ObserveUsage(res.Target.Provider.ID, sum.Usage)
		if err != nil {
			x.status = format.Classify(err).Status
			x.logger.Warn("Stream ended with error", "provider", res.Target.Provider.ID, "events", sum.Events, "error", err)
			return
		}
		x.logger.Info("Completed streaming response",
			"provider", res.Target.Provider.ID,
			"events", sum.Events,
			"stop_reason", sum.StopReason,
			"input_tokens", sum.Usage.InputTokens,
			"output_tokens", sum.Usage.OutputTokens,
		)
		return
	}

	resp, err := canonical.Collect(res.Stream)
	if err != nil {
		h.fail(w, x, err)
		return
	}
	h.metrics.ObserveUsage(res.Target.Provider.ID, resp.Usage)

	commit.Commit()
	if err := renderer.WriteResponse(w, resp); err != nil {
		x.logger.Debug("Failed to write response", "error", err)
	}

	x.logger.Info("Completed response",
		"provider", res.Target.Provider.ID,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
}

// attempt returns the executor callback that sends req to one target.
func (h *ProxyHandler) attempt(req *canonical.Request) failover.AttemptFunc {
	return func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		adapter, err := h.registry.ForTarget(target)
		if err != nil {
			return nil, &providers.EncodeError{Format: target.Provider.Format, Err: err}
		}

		native, err := adapter.Encode(req, target)
		if err != nil {
			return nil, err
		}

		credential, err := h.creds.Token(ctx, target.Provider.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("credential for %s: %w", target.Provider.ID, err)
		}
		adapter.Authorize(native.Header, credential)

		resp, err := h.pool.Send(ctx, target.Provider, native)
		if err != nil {
			return nil, err
		}

		if upstream.IsStreaming(resp.Header) {
			return adapter.DecodeStream(resp.Body), nil
		}

		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", providers.ErrMalformedUpstream, err)
		}

		decoded, err := adapter.Decode(raw)
		if err != nil {
			return nil, err
		}
		return canonical.NewSliceStream(canonical.ResponseEvents(decoded), nil), nil
	}
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

func (h *ProxyHandler) countTokens(w http.ResponseWriter, x *exchange, req *canonical.Request) {
	n := h.counter.Request(req)
	x.logger.Debug("Counted tokens", "model", req.Model, "input_tokens", n)
	writeJSON(w, http.StatusOK, countTokensResponse{InputTokens: n})
}

// fail writes err as an error response unless the client already went away.
func (h *ProxyHandler) fail(w http.ResponseWriter, x *exchange, err error) {
	if errors.Is(err, context.Canceled) {
		x.status = format.StatusClientClosedRequest
		x.logger.Info("Client canceled request", "error", err)
		return
	}

	ce := format.WriteError(w, x.format, err)
	x.status = ce.Status

	level := slog.LevelWarn
	if ce.Status >= 500 {
		level = slog.LevelError
	}
	x.logger.Log(context.Background(), level, "Request failed",
		"status", ce.Status,
		"kind", ce.Kind,
		"error", err,
	)
}

func targetIDs(targets []routing.Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID()
	}
	return ids
}
