package fallback

import (
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
)

// Action is what a strategy must do next with a failed task.
type Action int

const (
	// ActionRetrySame retries the task on the same account after Delay.
	ActionRetrySame Action = iota
	// ActionReassign hands the task to a different account.
	ActionReassign
	// ActionFail marks the task terminally failed and moves on.
	ActionFail
	// ActionAbort stops the whole run.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetrySame:
		return "retry_same"
	case ActionReassign:
		return "reassign"
	case ActionFail:
		return "fail"
	case ActionAbort:
		return "abort"
	}
	return "unknown"
}

// Decision carries the chosen action plus the account-side effects the
// strategy must apply through the pool before acting on the task.
type Decision struct {
	Action          Action
	Delay           time.Duration // wait before a same-account retry
	BlockAccount    bool
	CooldownAccount time.Duration // >0: suspend the account this long
	Reason          string
}

// Coordinator classifies failed attempts and decides retry, reassign, or
// abandon. Attempt counting is global per task: a task that burns
// maxRetries attempts across any number of accounts is done.
type Coordinator struct {
	tracker    *ratelimit.Tracker
	maxRetries int
}

// New builds a coordinator with the configured retry bound.
func New(tracker *ratelimit.Tracker, maxRetries int) *Coordinator {
	return &Coordinator{tracker: tracker, maxRetries: maxRetries}
}

// Decide maps one failed attempt onto the next action for the task. The
// task's attempt counter must already include the attempt being decided.
func (c *Coordinator) Decide(task *models.Task, accountID string, out models.Outcome) Decision {
	switch out.Kind {
	case models.FailureConfigFatal:
		return Decision{Action: ActionAbort, Reason: out.Detail}

	case models.FailureAccountInvalid:
		d := Decision{BlockAccount: true, Reason: out.Detail}
		if task.Attempts >= c.maxRetries {
			d.Action = ActionFail
		} else {
			d.Action = ActionReassign
		}
		return d

	case models.FailureRateLimited:
		wait := out.RetryAfter
		if wait <= 0 {
			wait = c.tracker.ComputeDelay(accountID)
		}
		d := Decision{CooldownAccount: wait, Reason: out.Detail}
		if task.Attempts >= c.maxRetries {
			d.Action = ActionFail
		} else {
			d.Action = ActionReassign
		}
		return d

	default: // transient
		if task.Attempts >= c.maxRetries {
			return Decision{Action: ActionFail, Reason: out.Detail}
		}
		return Decision{
			Action: ActionRetrySame,
			Delay:  c.tracker.ComputeDelay(accountID),
			Reason: out.Detail,
		}
	}
}
