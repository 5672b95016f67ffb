package policy

import (
	"fmt"
	"sync/atomic"
)

// Store holds the live Policy behind an atomic pointer so ingest handlers
// can read it lock-free while an admin reload swaps the whole snapshot in
// one step. This mirrors the teacher's config.Manager, trading its
// copy-and-merge tenant overrides for a single atomic whole-document swap —
// the toll policy has no per-tenant dimension (multi-tenancy is a
// spec Non-goal).
type Store struct {
	current atomic.Pointer[Policy]
	path    string
}

// NewStore loads path (or defaults, if path is empty) and returns a Store.
func NewStore(path string) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(p)
	return s, nil
}

// Get returns the current policy snapshot. Safe for concurrent use; never
// blocks on a reload in progress.
func (s *Store) Get() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file and atomically swaps it in. Readers that
// already grabbed a *Policy via Get keep using their (consistent) snapshot.
func (s *Store) Reload() error {
	p, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("policy: reload failed, keeping previous snapshot: %w", err)
	}
	s.current.Store(p)
	return nil
}

// SetVDFGenesisSeed swaps in a whole new Policy snapshot with VDF.GenesisSeed
// set to seed, preserving every other field from the current snapshot. This
// keeps the admin reseed_vdf_genesis operation consistent with the
// read-only-after-load invariant every other Get caller relies on: it never
// mutates the struct a concurrent Get() may be holding.
func (s *Store) SetVDFGenesisSeed(seed string) {
	cur := *s.current.Load()
	cur.VDF.GenesisSeed = seed
	s.current.Store(&cur)
}
