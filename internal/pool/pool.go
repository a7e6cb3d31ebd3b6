package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/registry"
)

// ErrNoAccounts means no account currently satisfies eligibility. Callers
// must treat this as "no capacity" and back off, not as a retryable error.
var ErrNoAccounts = errors.New("no eligible account available")

// ErrLeaseReleased guards against use-after-release of a lease.
var ErrLeaseReleased = errors.New("lease already released")

// Pool is the single authority for which account a worker may use. An
// account is handed out as an exclusive Lease; two workers can never hold
// the same account at once.
type Pool struct {
	reg      *registry.Registry
	tracker  *ratelimit.Tracker
	maxDaily int
	maxDelay time.Duration

	mu   sync.Mutex
	held map[string]bool
	now  func() time.Time
}

// Lease is a worker's exclusive, temporary hold on one account.
type Lease struct {
	AccountID string
	Phone     string

	p        *Pool
	released bool
}

// New builds a pool over the registry and tracker.
func New(reg *registry.Registry, tracker *ratelimit.Tracker, maxMembersPerDay int, maxDelay time.Duration) *Pool {
	return &Pool{
		reg:      reg,
		tracker:  tracker,
		maxDaily: maxMembersPerDay,
		maxDelay: maxDelay,
		held:     make(map[string]bool),
		now:      time.Now,
	}
}

// Acquire returns an exclusive lease on the highest-priority eligible account
// not in exclude. Eligible means active (expired cooldowns are promoted
// first), under the daily quota, and not already held. Priority is
// least-recently-used first, then fewest consecutive failures, then lowest id.
func (p *Pool) Acquire(exclude map[string]struct{}) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	candidates := make([]models.Account, 0)
	for _, a := range p.reg.All() {
		if a.Status == models.AccountCooldown && a.CooldownUntil != nil && !now.Before(*a.CooldownUntil) {
			if err := p.reg.UpdateStatus(a.ID, models.AccountActive, "cooldown elapsed"); err == nil {
				a.Status = models.AccountActive
				a.CooldownUntil = nil
			}
		}
		if a.Status != models.AccountActive || a.DailyCount >= p.maxDaily {
			continue
		}
		if p.held[a.ID] {
			continue
		}
		if _, skip := exclude[a.ID]; skip {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccounts
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		au, bu := lastUsed(a), lastUsed(b)
		if !au.Equal(bu) {
			return au.Before(bu)
		}
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	p.held[chosen.ID] = true
	return &Lease{AccountID: chosen.ID, Phone: chosen.Phone, p: p}, nil
}

func lastUsed(a models.Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

// Record charges one attempt's outcome against the leased account and returns
// the updated snapshot so the caller can see whether it is still usable.
// Outcomes go through the tracker; the lease serializes them per account.
func (p *Pool) Record(l *Lease, out models.Outcome) (models.Account, error) {
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return models.Account{}, ErrLeaseReleased
	}
	p.mu.Unlock()

	if err := p.tracker.RecordAttempt(l.AccountID, out); err != nil {
		return models.Account{}, fmt.Errorf("record attempt: %w", err)
	}
	return p.reg.Get(l.AccountID)
}

// Release returns the account to availability. Idempotent.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	delete(p.held, l.AccountID)
}

// MarkBlocked blocks the leased account immediately, bypassing the failure
// threshold. Used for account-invalid failures.
func (p *Pool) MarkBlocked(l *Lease, reason string) error {
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return ErrLeaseReleased
	}
	p.mu.Unlock()
	return p.reg.UpdateStatus(l.AccountID, models.AccountBlocked, reason)
}

// MarkCooldown suspends the leased account for the platform-dictated wait.
func (p *Pool) MarkCooldown(l *Lease, wait time.Duration) error {
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return ErrLeaseReleased
	}
	p.mu.Unlock()
	return p.tracker.CooldownFor(l.AccountID, wait)
}

// UsableCount reports how many accounts are currently eligible for work.
// The strategy selector keys its tier choice off this.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, a := range p.reg.All() {
		eligible := a.Status == models.AccountActive ||
			(a.Status == models.AccountCooldown && a.CooldownUntil != nil && !now.Before(*a.CooldownUntil))
		if eligible && a.DailyCount < p.maxDaily {
			n++
		}
	}
	return n
}

// HeldCount reports how many leases are currently outstanding.
func (p *Pool) HeldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// NextWake returns how long until the soonest cooled-down account becomes
// eligible again, capped at the configured maximum delay. Zero means no
// account is scheduled to wake, so waiting would be pointless.
func (p *Pool) NextWake() time.Duration {
	now := p.now()
	var min time.Duration
	for _, a := range p.reg.All() {
		remaining := a.CooldownRemaining(now)
		if remaining <= 0 {
			continue
		}
		if min == 0 || remaining < min {
			min = remaining
		}
	}
	if min > p.maxDelay {
		return p.maxDelay
	}
	return min
}
