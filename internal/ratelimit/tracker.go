package ratelimit

import (
	"math"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/registry"
)

// Tracker enforces per-account daily quotas and computes pacing delays.
// All state lives in the registry; the tracker only decides how counters
// move, so mutations on one account stay atomic under the registry lock.
type Tracker struct {
	reg          *registry.Registry
	defaultDelay time.Duration
	maxDelay     time.Duration
	now          func() time.Time
}

// NewTracker builds a tracker with the configured pacing bounds.
func NewTracker(reg *registry.Registry, defaultDelay, maxDelay time.Duration) *Tracker {
	return &Tracker{
		reg:          reg,
		defaultDelay: defaultDelay,
		maxDelay:     maxDelay,
		now:          time.Now,
	}
}

// RecordAttempt charges one attempt against the account's daily quota and
// updates its failure streak from the outcome. Reaching the quota bound or
// the failure threshold flips status inside the registry.
func (t *Tracker) RecordAttempt(id string, out models.Outcome) error {
	now := t.now()
	return t.reg.Mutate(id, func(a *models.Account) {
		a.DailyCount++
		a.LastUsedAt = &now
		if out.OK {
			a.ConsecutiveFailures = 0
			a.LastError = nil
			return
		}
		a.ConsecutiveFailures++
		detail := out.Detail
		a.LastError = &detail
	})
}

// ComputeDelay returns the wait before the account may act again: the base
// delay doubled per consecutive failure, capped at the maximum.
func (t *Tracker) ComputeDelay(id string) time.Duration {
	a, err := t.reg.Get(id)
	if err != nil {
		return t.defaultDelay
	}
	if a.ConsecutiveFailures == 0 {
		return t.defaultDelay
	}
	d := time.Duration(float64(t.defaultDelay) * math.Pow(2, float64(a.ConsecutiveFailures)))
	if d > t.maxDelay || d < 0 {
		return t.maxDelay
	}
	return d
}

// CooldownFor suspends the account for the platform-dictated wait, as carried
// by rate-limit responses.
func (t *Tracker) CooldownFor(id string, wait time.Duration) error {
	until := t.now().Add(wait)
	return t.reg.SetCooldown(id, until, "rate limited by platform")
}
