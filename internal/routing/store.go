package routing

import "sync/atomic"

// Store holds the current snapshot. Readers never block and always observe a
// complete snapshot, either the previous one or the new one.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore(s *Snapshot) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

// Load returns the current snapshot.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}

// Swap installs s and returns the snapshot it replaced.
func (st *Store) Swap(s *Snapshot) *Snapshot {
	return st.current.Swap(s)
}
