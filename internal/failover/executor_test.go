package failover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func targets(ids ...string) []routing.Target {
	out := make([]routing.Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, routing.Target{Provider: &routing.ProviderDefinition{ID: id}, Model: id + "-model"})
	}
	return out
}

func okStream(text string) canonical.EventStream {
	return canonical.NewSliceStream([]canonical.StreamEvent{
		{Type: canonical.EventTextDelta, Text: text},
		{Type: canonical.EventStop, StopReason: canonical.StopEndTurn},
	}, nil)
}

// scripted answers each provider id with a fixed error, or a stream when nil.
type scripted struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (s *scripted) fn(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
	s.mu.Lock()
	s.calls = append(s.calls, target.Provider.ID)
	err := s.errs[target.Provider.ID]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return okStream("from " + target.Provider.ID), nil
}

type recorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recorder) ObserveAttempt(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func TestExecutor_SucceedsOnNthCandidate(t *testing.T) {
	for n := 1; n <= 4; n++ {
		ids := []string{"p1", "p2", "p3", "p4"}[:n]
		s := &scripted{errs: map[string]error{}}
		for _, id := range ids[:n-1] {
			s.errs[id] = &providers.UpstreamError{Status: http.StatusServiceUnavailable, Type: providers.ErrorTypeAPI}
		}

		result, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets(ids...), &Commitment{}, s.fn)
		require.NoError(t, err)

		assert.Equal(t, ids, s.calls, "candidates are tried in order")
		assert.Len(t, result.Attempts, n)
		assert.Equal(t, ids[n-1], result.Target.Provider.ID)
		assert.Equal(t, OutcomeSuccess, result.Attempts[n-1].Outcome)
		for _, a := range result.Attempts[:n-1] {
			assert.Equal(t, OutcomeRetryable, a.Outcome)
			assert.Equal(t, KindServer, a.Kind)
		}

		resp, err := canonical.Collect(result.Stream)
		require.NoError(t, err)
		assert.Equal(t, "from "+ids[n-1], resp.Text(), "first event is replayed")
	}
}

func TestExecutor_FatalStopsImmediately(t *testing.T) {
	s := &scripted{errs: map[string]error{
		"p1": &providers.UpstreamError{Status: http.StatusBadRequest, Type: providers.ErrorTypeInvalidRequest, Message: "bad"},
	}}

	_, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, s.fn)

	var fatal *FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, ErrFatalProvider)
	assert.Equal(t, http.StatusBadRequest, fatal.Status())
	assert.Equal(t, providers.ErrorTypeInvalidRequest, fatal.UpstreamType())
	assert.Equal(t, []string{"p1"}, s.calls)
}

func TestExecutor_EncodeErrorIsFatal(t *testing.T) {
	s := &scripted{errs: map[string]error{
		"p1": &providers.EncodeError{Format: routing.FormatGemini, Err: errors.New("orphan tool result")},
	}}

	_, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, s.fn)
	assert.ErrorIs(t, err, ErrFatalProvider)
	assert.Len(t, s.calls, 1)
}

func TestExecutor_Exhausted(t *testing.T) {
	s := &scripted{errs: map[string]error{
		"p1": &providers.UpstreamError{Status: 529, Type: providers.ErrorTypeOverloaded},
		"p2": errors.New("connection reset by peer"),
	}}
	rec := &recorder{}

	_, err := NewExecutor(DefaultPolicy(), testLogger(), WithObserver(rec)).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, s.fn)

	var exhausted *AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, KindOverloaded, exhausted.Attempts[0].Kind)
	assert.Equal(t, KindTransport, exhausted.Attempts[1].Kind)
	assert.False(t, exhausted.TimedOut())
	assert.Len(t, rec.attempts, 2)
}

func TestExecutor_CommitmentGuard(t *testing.T) {
	commit := &Commitment{}
	assert.True(t, commit.Commit())
	assert.False(t, commit.Commit(), "commitment is one-way")

	s := &scripted{}
	_, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets("p1"), commit, s.fn)

	assert.ErrorIs(t, err, ErrStreamingCommitmentViolation)
	assert.Empty(t, s.calls)
}

func TestExecutor_ClientCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	calls := 0

	fn := func(actx context.Context, target routing.Target) (canonical.EventStream, error) {
		calls++
		cancel()
		<-actx.Done()
		return nil, actx.Err()
	}

	_, err := NewExecutor(DefaultPolicy(), testLogger(), WithObserver(rec)).Execute(ctx, targets("p1", "p2"), &Commitment{}, fn)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no further candidates after cancellation")
	assert.Empty(t, rec.attempts, "cancellation is not charged to the provider")
}

func TestExecutor_AttemptTimeout(t *testing.T) {
	ts := targets("slow", "fast")
	ts[0].Provider.Timeout = 20 * time.Millisecond

	fn := func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		if target.Provider.ID == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okStream("fast"), nil
	}

	result, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), ts, &Commitment{}, fn)
	require.NoError(t, err)
	defer result.Stream.Close()

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, KindTimeout, result.Attempts[0].Kind)
	assert.ErrorIs(t, result.Attempts[0].Err, context.DeadlineExceeded)
	assert.Equal(t, "fast", result.Target.Provider.ID)
}

func TestExecutor_AllTimedOut(t *testing.T) {
	policy := DefaultPolicy()
	policy.AttemptTimeout = 10 * time.Millisecond

	fn := func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := NewExecutor(policy, testLogger()).Execute(context.Background(), targets("a", "b"), &Commitment{}, fn)

	var exhausted *AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.TimedOut())
}

func TestExecutor_ErrorBeforeFirstEventIsRetried(t *testing.T) {
	failing := canonical.NewSliceStream([]canonical.StreamEvent{{
		Type: canonical.EventError,
		Err:  &providers.UpstreamError{Type: providers.ErrorTypeOverloaded, Message: "Overloaded"},
	}}, nil)

	fn := func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		if target.Provider.ID == "p1" {
			return failing, nil
		}
		return okStream("ok"), nil
	}

	result, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, fn)
	require.NoError(t, err)
	defer result.Stream.Close()

	assert.Equal(t, KindOverloaded, result.Attempts[0].Kind)
	assert.True(t, failing.Closed(), "failed stream is released")
}

func TestExecutor_EmptyStreamIsRetried(t *testing.T) {
	fn := func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		if target.Provider.ID == "p1" {
			return canonical.NewSliceStream(nil, nil), nil
		}
		return okStream("ok"), nil
	}

	result, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, fn)
	require.NoError(t, err)
	defer result.Stream.Close()
	assert.Equal(t, KindMalformed, result.Attempts[0].Kind)
}

func TestExecutor_SameProviderRetries(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context, target routing.Target) (canonical.EventStream, error) {
		calls++
		if calls < 3 {
			return nil, &providers.UpstreamError{Status: http.StatusBadGateway}
		}
		return okStream("third time"), nil
	}

	policy := DefaultPolicy()
	policy.SameProviderRetries = 2

	result, err := NewExecutor(policy, testLogger()).Execute(context.Background(), targets("p1", "p2"), &Commitment{}, fn)
	require.NoError(t, err)
	defer result.Stream.Close()

	assert.Equal(t, "p1", result.Target.Provider.ID)
	assert.Len(t, result.Attempts, 3)
}

func TestExecutor_CircuitBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Minute)
	executor := NewExecutor(DefaultPolicy(), testLogger(), WithCircuitBreaker(breaker))

	s := &scripted{errs: map[string]error{"p1": &providers.UpstreamError{Status: http.StatusInternalServerError}}}

	_, err := executor.Execute(context.Background(), targets("p1", "p2"), &Commitment{}, s.fn)
	require.NoError(t, err)
	assert.True(t, breaker.Open("p1"))

	s.calls = nil
	result, err := executor.Execute(context.Background(), targets("p1", "p2"), &Commitment{}, s.fn)
	require.NoError(t, err)

	assert.Equal(t, []string{"p2"}, s.calls, "open circuit skips the provider")
	assert.Equal(t, KindCircuitOpen, result.Attempts[0].Kind)
}

func TestExecutor_NoCandidates(t *testing.T) {
	_, err := NewExecutor(DefaultPolicy(), testLogger()).Execute(context.Background(), nil, &Commitment{}, (&scripted{}).fn)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestCircuitBreaker_Cooldown(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure("p")
	assert.False(t, cb.Open("p"))
	cb.RecordFailure("p")
	assert.True(t, cb.Open("p"))

	now = now.Add(2 * time.Second)
	assert.False(t, cb.Open("p"), "half-open after cooldown")

	cb.RecordSuccess("p")
	cb.RecordFailure("p")
	assert.False(t, cb.Open("p"))
}
