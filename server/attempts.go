package server

import (
	"sync"
	"time"

	"github.com/fahmaliyi/keyvault/clock"
	"github.com/fahmaliyi/keyvault/recovery"
)

// unknownAttempts counts verify calls for subjects that were never
// registered, under the same policy as real records, so the responses
// for unknown and known subjects cannot be told apart.
type unknownAttempts struct {
	mu        sync.Mutex
	policy    recovery.Policy
	clock     clock.Clock
	entries   map[string]*attemptCount
	lastSweep time.Time
}

type attemptCount struct {
	n    int
	last time.Time
}

func newUnknownAttempts(p recovery.Policy, c clock.Clock) *unknownAttempts {
	return &unknownAttempts{
		policy:    p,
		clock:     c,
		entries:   make(map[string]*attemptCount),
		lastSweep: c.Now(),
	}
}

// record consumes one attempt for subject. It reports the attempts left,
// or limited when the quota is already spent; a limited call changes
// nothing.
func (u *unknownAttempts) record(subject string) (remaining int, limited bool) {
	now := u.clock.Now()
	u.mu.Lock()
	defer u.mu.Unlock()
	if now.Sub(u.lastSweep) >= sweepInterval(u.policy.Window) {
		for k, v := range u.entries {
			if now.Sub(v.last) >= u.policy.Window {
				delete(u.entries, k)
			}
		}
		u.lastSweep = now
	}

	a := u.entries[subject]
	if a == nil {
		a = &attemptCount{}
		u.entries[subject] = a
	}
	if !a.last.IsZero() && now.Sub(a.last) >= u.policy.Window {
		a.n = 0
	}
	if a.n >= u.policy.MaxAttempts {
		return 0, true
	}
	a.n++
	a.last = now
	return u.policy.MaxAttempts - a.n, false
}
