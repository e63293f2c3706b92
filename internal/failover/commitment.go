package failover

import "sync/atomic"

// Commitment records that response bytes have reached the client. It only
// ever moves from uncommitted to committed.
type Commitment struct {
	committed atomic.Bool
}

// Commit marks the response as committed. It returns true for the call that
// made the transition.
func (c *Commitment) Commit() bool {
	return c.committed.CompareAndSwap(false, true)
}

func (c *Commitment) Committed() bool {
	return c != nil && c.committed.Load()
}

// Guard fails once the response is committed; no attempt may start after
// that point.
func (c *Commitment) Guard() error {
	if c.Committed() {
		return ErrStreamingCommitmentViolation
	}
	return nil
}
