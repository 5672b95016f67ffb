// Package clockservice wraps wall-clock time behind an interface, so tests
// can inject skew and the /time endpoint (external, out of scope) can bound
// reader drift against the same source the verifier uses.
package clockservice

import "time"

// Clock is the minimal time source the rest of the core depends on.
type Clock interface {
	Now() time.Time
	UnixSeconds() int64
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// UnixSeconds returns the current time as seconds since epoch.
func (System) UnixSeconds() int64 { return time.Now().Unix() }

// Fake is a deterministic Clock for tests.
type Fake struct {
	T time.Time
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake { return &Fake{T: t} }

// Now returns the pinned time.
func (f *Fake) Now() time.Time { return f.T }

// UnixSeconds returns the pinned time as seconds since epoch.
func (f *Fake) UnixSeconds() int64 { return f.T.Unix() }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }
