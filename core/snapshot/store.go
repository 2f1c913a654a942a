// Package snapshot implements the linear, monotonically-keyed snapshot
// store described in spec §4.4: numbered snapshots of (db-image,
// journaled-state, env), each revertible at most once.
package snapshot

import (
	"sync"

	"github.com/chainforge/chainforge/core/types"
)

// Snapshot captures everything needed to restore execution to a point in
// time: either the in-memory DB image or the active fork's index, plus
// the JournaledState and Env at capture time.
type Snapshot struct {
	// ForkIndex is the active fork's index in the Backend's fork vector
	// at capture time, or -1 if the snapshot was taken in in-memory mode.
	ForkIndex int
	// DBImage is a deep copy of the in-memory DB, populated only
	// when ForkIndex == -1.
	DBImage any
	JState  *types.JournaledState
	Env     types.Env
}

// Store is a linear, append-only, monotonically-keyed snapshot store.
// Reverting to id k restores (and then retires) that snapshot and also
// retires every snapshot with id > k — it can never be reverted again.
type Store struct {
	mu    sync.Mutex
	next  uint64
	snaps map[uint64]Snapshot
}

// New returns an empty Store with its id sequence starting at zero.
func New() *Store {
	return &Store{snaps: make(map[uint64]Snapshot)}
}

// Insert assigns the next id and appends snap, returning the new id.
func (s *Store) Insert(snap Snapshot) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.snaps[id] = snap
	return id
}

// RemoveAt returns the snapshot for id (if any) and deletes it along with
// every entry with a strictly greater id — both are retired in the same
// call. This is the only way entries are retired; Insert never removes
// existing snapshots.
func (s *Store) RemoveAt(id uint64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return Snapshot{}, false
	}
	for k := range s.snaps {
		if k >= id {
			delete(s.snaps, k)
		}
	}
	return snap, true
}

// Count returns the number of live (not yet retired) snapshots, useful
// for diagnostics and tests.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}
