package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

// ErrNotFound is returned for unknown account IDs.
var ErrNotFound = errors.New("account not found")

// Limits are the quota and blocking thresholds the registry enforces.
type Limits struct {
	MaxMembersPerDay       int
	MaxFailuresBeforeBlock int
}

// Registry owns all Account entities and is the single writer of their
// status. Every mutation runs under one lock, so transitions on a given
// account are atomic with respect to concurrent callers; reads return copies.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	limits   Limits
	lastReset time.Time
	now      func() time.Time
}

// New builds a registry over the given accounts. Duplicate IDs are rejected.
func New(limits Limits, accounts []models.Account) (*Registry, error) {
	r := &Registry{
		accounts: make(map[string]*models.Account, len(accounts)),
		limits:   limits,
		now:      time.Now,
	}
	for i := range accounts {
		a := accounts[i]
		if _, dup := r.accounts[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		r.accounts[a.ID] = &a
		r.normalizeLocked(&a)
	}
	return r, nil
}

// Get returns a copy of the account with the given id.
func (r *Registry) Get(id string) (models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *a, nil
}

// All returns copies of every account, ordered by id.
func (r *Registry) All() []models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// UpdateStatus performs an explicit status transition. Blocked accounts stay
// blocked until Unblock; all other transitions are applied as requested and
// then re-checked against the quota and failure invariants.
func (r *Registry) UpdateStatus(id, status, reason string) error {
	return r.Mutate(id, func(a *models.Account) {
		a.Status = status
		if status != models.AccountCooldown {
			a.CooldownUntil = nil
		}
		if reason != "" {
			a.LastError = &reason
		}
	})
}

// SetCooldown suspends the account until the given time.
func (r *Registry) SetCooldown(id string, until time.Time, reason string) error {
	return r.Mutate(id, func(a *models.Account) {
		a.Status = models.AccountCooldown
		a.CooldownUntil = &until
		if reason != "" {
			a.LastError = &reason
		}
	})
}

// Unblock is the operator escape hatch: it is the only way out of blocked.
func (r *Registry) Unblock(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Status = models.AccountActive
	a.ConsecutiveFailures = 0
	a.CooldownUntil = nil
	a.LastError = nil
	a.UpdatedAt = r.now()
	log.Printf("account %s unblocked by operator", id)
	return nil
}

// Mutate applies fn to the account under the registry lock, then re-asserts
// the status invariants (quota bound forces daily_limit_reached, the failure
// threshold forces blocked, blocked never auto-reverts).
func (r *Registry) Mutate(id string, fn func(*models.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasBlocked := a.Status == models.AccountBlocked
	fn(a)
	if wasBlocked {
		a.Status = models.AccountBlocked
	}
	r.normalizeLocked(a)
	a.UpdatedAt = r.now()
	return nil
}

// normalizeLocked enforces the invariants after any mutation.
func (r *Registry) normalizeLocked(a *models.Account) {
	if a.DailyCount > r.limits.MaxMembersPerDay {
		a.DailyCount = r.limits.MaxMembersPerDay
	}
	if a.Status == models.AccountBlocked {
		return
	}
	if a.ConsecutiveFailures >= r.limits.MaxFailuresBeforeBlock {
		a.Status = models.AccountBlocked
		return
	}
	if a.DailyCount >= r.limits.MaxMembersPerDay && a.Status == models.AccountActive {
		a.Status = models.AccountDailyLimitReached
	}
}

// ResetDailyCounters zeroes daily quota usage. It is idempotent within a day:
// the second call on the same day is a no-op, so the day boundary worker and
// a manual operator reset cannot double-apply.
func (r *Registry) ResetDailyCounters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if sameDay(r.lastReset, now) {
		return 0
	}
	r.lastReset = now
	reset := 0
	for _, a := range r.accounts {
		if a.DailyCount == 0 && a.Status != models.AccountDailyLimitReached {
			continue
		}
		a.DailyCount = 0
		if a.Status == models.AccountDailyLimitReached {
			a.Status = models.AccountActive
		}
		a.UpdatedAt = now
		reset++
	}
	if reset > 0 {
		log.Printf("daily counters reset for %d accounts", reset)
	}
	return reset
}

// RunDailyReset invokes ResetDailyCounters at every local day boundary until
// the context is cancelled.
func (r *Registry) RunDailyReset(done <-chan struct{}) {
	for {
		now := r.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		select {
		case <-done:
			return
		case <-time.After(next.Sub(now)):
			r.ResetDailyCounters()
		}
	}
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
