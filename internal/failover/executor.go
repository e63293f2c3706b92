// Package failover executes a request against an ordered list of candidate
// providers, advancing on retryable failures and stopping on fatal ones.
package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// Attempt is one entry of the append-only attempt log of a request.
type Attempt struct {
	Provider string
	Model    string
	Start    time.Time
	Outcome  Outcome
	Kind     Kind
	Status   int
	Err      error
	Latency  time.Duration
}

// AttemptFunc sends the request to one target and returns its event stream.
// Non-streaming upstream answers are returned as a replayed stream.
type AttemptFunc func(ctx context.Context, target routing.Target) (canonical.EventStream, error)

// Observer is notified of every finished attempt.
type Observer interface {
	ObserveAttempt(a Attempt)
}

// Result of a successful execution. Stream yields the first event again and
// must be closed by the caller.
type Result struct {
	Target   routing.Target
	Stream   canonical.EventStream
	Attempts []Attempt
}

type Option func(*Executor)

// WithCircuitBreaker skips providers that keep failing across requests.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(e *Executor) { e.breaker = cb }
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

type Executor struct {
	policy   Policy
	logger   *slog.Logger
	breaker  *CircuitBreaker
	observer Observer
	now      func() time.Time
}

func NewExecutor(policy Policy, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type state int

const (
	stateAttempting state = iota
	stateRetryable
	stateSucceeded
	stateFatal
	stateExhausted
)

// run tracks one Execute call.
type run struct {
	targets  []routing.Target
	index    int
	tries    int
	attempts []Attempt
	last     Attempt
	result   *Result
}

// Execute walks targets in order. The first upstream event of a successful
// attempt is read before returning, so a provider that fails before
// producing output is still retried. It never starts an attempt once commit
// is committed.
func (e *Executor) Execute(ctx context.Context, targets []routing.Target, commit *Commitment, fn AttemptFunc) (*Result, error) {
	if len(targets) == 0 {
		return nil, ErrNoCandidates
	}

	r := &run{targets: targets}
	st := stateAttempting

	for {
		switch st {
		case stateAttempting:
			if err := commit.Guard(); err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("request canceled: %w", err)
			}

			target := r.targets[r.index]
			if e.breaker != nil && e.breaker.Open(target.ID()) {
				r.record(e, Attempt{
					Provider: target.Provider.ID,
					Model:    target.Model,
					Start:    e.now(),
					Outcome:  OutcomeRetryable,
					Kind:     KindCircuitOpen,
					Err:      fmt.Errorf("circuit open for %s", target.Provider.ID),
				})
				r.tries = e.policy.SameProviderRetries
				st = stateRetryable
				continue
			}

			a, stream := e.attempt(ctx, target, fn)
			if a.Outcome == OutcomeSuccess || ctx.Err() == nil {
				r.record(e, a)
			}

			switch {
			case a.Outcome == OutcomeSuccess:
				r.result = &Result{Target: target, Stream: stream, Attempts: r.attempts}
				st = stateSucceeded
			case ctx.Err() != nil:
				// The client went away; the provider is not at fault.
				return nil, fmt.Errorf("request canceled: %w", ctx.Err())
			case a.Outcome == OutcomeFatal:
				st = stateFatal
			default:
				st = stateRetryable
			}

		case stateRetryable:
			target := r.targets[r.index]
			if e.breaker != nil && r.last.Kind != KindCircuitOpen {
				e.breaker.RecordFailure(target.ID())
			}

			if r.tries < e.policy.SameProviderRetries {
				r.tries++
				st = stateAttempting
				continue
			}

			r.index++
			r.tries = 0
			if r.index >= len(r.targets) {
				st = stateExhausted
				continue
			}

			e.logger.Warn("Provider attempt failed, trying next candidate",
				"provider", target.Provider.ID,
				"kind", string(r.last.Kind),
				"status", r.last.Status,
				"next", r.targets[r.index].Provider.ID,
			)
			st = stateAttempting

		case stateSucceeded:
			if e.breaker != nil {
				e.breaker.RecordSuccess(r.result.Target.ID())
			}
			return r.result, nil

		case stateFatal:
			e.logger.Error("Provider returned a fatal error",
				"provider", r.last.Provider,
				"status", r.last.Status,
				"error", r.last.Err,
			)
			return nil, &FatalProviderError{Attempt: r.last, Attempts: r.attempts}

		case stateExhausted:
			return nil, &AllProvidersExhaustedError{Attempts: r.attempts}
		}
	}
}

func (r *run) record(e *Executor, a Attempt) {
	r.attempts = append(r.attempts, a)
	r.last = a
	if e.observer != nil {
		e.observer.ObserveAttempt(a)
	}
}

// attempt runs fn against one target under the attempt timeout and pulls the
// first event.
func (e *Executor) attempt(ctx context.Context, target routing.Target, fn AttemptFunc) (Attempt, canonical.EventStream) {
	a := Attempt{Provider: target.Provider.ID, Model: target.Model, Start: e.now()}

	actx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timeout := e.policy.AttemptTimeout
	if target.Provider.Timeout > 0 {
		timeout = target.Provider.Timeout
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	stream, err := fn(actx, target)

	var first canonical.StreamEvent
	if err == nil {
		first, err = stream.Next()
		switch {
		case errors.Is(err, io.EOF):
			err = ErrEmptyStream
		case err == nil && first.Type == canonical.EventError:
			err = first.Err
			if err == nil {
				err = errors.New("upstream error event")
			}
		}
	}

	if timer != nil {
		timer.Stop()
	}
	if timedOut.Load() {
		err = fmt.Errorf("attempt to %s timed out after %s: %w", target.Provider.ID, timeout, context.DeadlineExceeded)
	}

	a.Latency = e.now().Sub(a.Start)

	if err != nil {
		if stream != nil {
			stream.Close()
		}
		cancel()
		a.Err = err
		a.Outcome, a.Kind, a.Status = e.policy.Classify(err)
		return a, nil
	}

	a.Outcome = OutcomeSuccess
	return a, &primedStream{first: &first, inner: stream, cancel: cancel}
}

// primedStream replays the event that was read to confirm the attempt, then
// continues with the upstream stream. Closing it ends the attempt context.
type primedStream struct {
	first  *canonical.StreamEvent
	inner  canonical.EventStream
	cancel context.CancelFunc
}

func (s *primedStream) Next() (canonical.StreamEvent, error) {
	if s.first != nil {
		ev := *s.first
		s.first = nil
		return ev, nil
	}
	return s.inner.Next()
}

func (s *primedStream) Close() error {
	s.cancel()
	return s.inner.Close()
}
