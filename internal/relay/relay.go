// Package relay copies a canonical event stream to the client, one flushed
// frame at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/failover"
	"github.com/Davincible/claude-code-mux/internal/format"
	"github.com/Davincible/claude-code-mux/internal/sse"
)

// ErrIncompleteStream is returned when the upstream closed without a stop
// event.
var ErrIncompleteStream = canonical.ErrIncompleteStream

// Summary describes a finished relay.
type Summary struct {
	Events     int
	Usage      canonical.Usage
	StopReason canonical.StopReason
}

// Stream relays events to w through the renderer. The commitment is taken
// before the first byte is written; from then on failures are reported to the
// client as a terminal error frame instead of an HTTP status. events is
// always closed.
func Stream(ctx context.Context, w http.ResponseWriter, events canonical.EventStream, renderer format.StreamRenderer, commit *failover.Commitment, logger *slog.Logger) (Summary, error) {
	defer events.Close()

	var sum Summary

	if !commit.Commit() {
		return sum, fmt.Errorf("relay: %w", failover.ErrStreamingCommitmentViolation)
	}

	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	fail := func(err error) (Summary, error) {
		if ctx.Err() != nil {
			// The client is gone; nobody is left to read an error frame.
			return sum, fmt.Errorf("relay: %w", ctx.Err())
		}
		if werr := renderer.Fail(format.Classify(err)); werr != nil {
			logger.Debug("Failed to write terminal error frame", "error", werr)
		}
		return sum, err
	}

	for {
		ev, err := events.Next()
		switch {
		case errors.Is(err, io.EOF):
			return fail(ErrIncompleteStream)
		case err != nil:
			return fail(fmt.Errorf("relay: read upstream: %w", err))
		}

		sum.Events++
		ev.Seq = sum.Events

		switch ev.Type {
		case canonical.EventError:
			if ev.Err == nil {
				ev.Err = errors.New("upstream error event")
			}
			return fail(ev.Err)
		case canonical.EventUsage:
			sum.Usage = sum.Usage.Merge(ev.Usage)
		case canonical.EventStop:
			sum.Usage = sum.Usage.Merge(ev.Usage)
			sum.StopReason = ev.StopReason
		}

		if err := renderer.Event(ev); err != nil {
			return sum, fmt.Errorf("relay: write client: %w", err)
		}

		if ev.Type == canonical.EventStop {
			return sum, nil
		}
	}
}
