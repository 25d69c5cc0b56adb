// Package clock abstracts identifier generation and wall-clock time,
// threaded through constructors like *zap.Logger and store handles, so
// tests can substitute deterministic stand-ins instead of reaching for
// globals.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Source is the time and identifier abstraction consumed by every
// component that needs "now" or a new id: notification creation, send
// attempt timestamps, and sweep due-checks.
type Source interface {
	Now() time.Time
	NewID() uuid.UUID
}

// System is the production Source backed by the real clock and random
// UUID generation.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time   { return time.Now() }
func (System) NewID() uuid.UUID { return uuid.New() }

// Frozen is a deterministic Source for tests: Now always returns a fixed
// instant unless advanced, and NewID draws from a preset, repeatable
// sequence instead of random UUIDs.
type Frozen struct {
	t   time.Time
	ids []uuid.UUID
	n   int
}

func NewFrozen(t time.Time, ids ...uuid.UUID) *Frozen {
	return &Frozen{t: t, ids: ids}
}

func (f *Frozen) Now() time.Time { return f.t }

func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }

func (f *Frozen) Set(t time.Time) { f.t = t }

func (f *Frozen) NewID() uuid.UUID {
	if f.n < len(f.ids) {
		id := f.ids[f.n]
		f.n++
		return id
	}
	// deterministic fallback once the preset list is exhausted: derive
	// from the call count so repeated test runs stay stable.
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(f.n)})
	f.n++
	return id
}
