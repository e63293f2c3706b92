package failover

import (
	"sync"
	"time"
)

// CircuitBreaker counts consecutive retryable failures per provider across
// requests. Once a provider reaches the threshold it is skipped until the
// cooldown has passed since its last failure; the next attempt after that
// decides whether it closes again.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  map[string]int
	lastFail  map[string]time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		failures:  make(map[string]int),
		lastFail:  make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Open reports whether key should be skipped right now.
func (cb *CircuitBreaker) Open(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures[key] < cb.threshold {
		return false
	}
	return cb.now().Sub(cb.lastFail[key]) < cb.cooldown
}

// RecordSuccess closes the circuit for key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.failures, key)
	delete(cb.lastFail, key)
}

// RecordFailure returns the consecutive failure count for key.
func (cb *CircuitBreaker) RecordFailure(key string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[key]++
	cb.lastFail[key] = cb.now()
	return cb.failures[key]
}
