package models

import (
	"time"
)

// AccountStatus enumerates account lifecycle states persisted in Postgres.
const (
	AccountActive            = "active"
	AccountCooldown          = "cooldown"
	AccountBlocked           = "blocked"
	AccountUnverified        = "unverified"
	AccountDailyLimitReached = "daily_limit_reached"
)

// Account is a platform identity with its own daily quota and health state.
// Credentials are opaque to the orchestration core; Phone is only a reference
// into whatever credential store the platform client uses.
type Account struct {
	ID                  string     `json:"id"`
	Phone               string     `json:"phone"`
	Status              string     `json:"status"`
	DailyCount          int        `json:"daily_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CooldownRemaining reports how long until the account leaves cooldown.
// Zero when the account is not cooling down or the window already passed.
func (a *Account) CooldownRemaining(now time.Time) time.Duration {
	if a.Status != AccountCooldown || a.CooldownUntil == nil {
		return 0
	}
	if remaining := a.CooldownUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}
