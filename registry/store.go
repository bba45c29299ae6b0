package registry

import (
	"fmt"
	"sync/atomic"
)

// Store holds the active snapshot pointer. Reads are a single atomic load;
// the plugin lifecycle manager is the sole publisher.
type Store struct {
	active atomic.Pointer[Snapshot]
}

// NewStore returns a store seeded with an empty version-zero snapshot so
// readers never observe nil.
func NewStore() *Store {
	s := &Store{}
	s.active.Store(&Snapshot{
		tools:     map[string]ToolEntry{},
		resources: map[string]ResourceEntry{},
	})
	return s
}

// Load returns the current snapshot. Callers may hold the returned pointer as
// long as they like; it stays internally consistent even after later
// publishes.
func (s *Store) Load() *Snapshot {
	return s.active.Load()
}

// Publish atomically swaps in a newer snapshot. Versions must strictly
// increase; publishing an equal-or-older version is rejected.
func (s *Store) Publish(next *Snapshot) error {
	for {
		cur := s.active.Load()
		if next.version <= cur.version {
			return fmt.Errorf("%w: have v%d, got v%d", ErrVersionRegression, cur.version, next.version)
		}
		if s.active.CompareAndSwap(cur, next) {
			return nil
		}
	}
}
