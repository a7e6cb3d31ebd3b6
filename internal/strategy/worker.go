package strategy

import (
	"context"
	"errors"
	"log"

	"github.com/mojtabashariatzade/adder-repo/internal/fallback"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/telemetry"
)

// runWorker drains tasks from the backlog until it is empty, the context is
// cancelled, or a fatal failure surfaces. All strategies share this loop;
// Sequential runs one instance, Parallel runs several.
func runWorker(ctx context.Context, id int, b *Backlog, deps Deps, col *collector) *models.Failure {
	telemetry.ActiveWorkers.Inc()
	defer telemetry.ActiveWorkers.Dec()

	var lease *pool.Lease
	defer func() {
		if lease != nil {
			deps.Pool.Release(lease)
		}
	}()

	var held *models.Task           // task being retried, kept ahead of the backlog
	var exclude map[string]struct{} // accounts ruled out for the held task

	for {
		if ctx.Err() != nil {
			return nil
		}

		task := held
		if task == nil {
			var ok bool
			task, ok = b.Pop()
			if !ok {
				return nil
			}
			exclude = nil
		}

		if lease == nil {
			l, stop := acquireLease(ctx, deps, b, exclude, task, &held)
			if stop || l == nil {
				if stop {
					return nil
				}
				// task was requeued so another account can take it
				held = nil
				exclude = nil
				continue
			}
			lease = l
		}

		task.Status = models.TaskInProgress
		task.AssignedAccount = &lease.AccountID
		task.Attempts++
		telemetry.AttemptsTotal.Inc()

		cctx, cancel := context.WithTimeout(ctx, deps.Cfg.CallTimeout)
		err := deps.Client.AddMember(cctx, task.Group, task.Member, lease.Phone)
		cancel()
		out := models.Classify(err)

		acct, rerr := deps.Pool.Record(lease, out)
		if rerr != nil {
			log.Printf("worker=%d account=%s record failed: %v", id, lease.AccountID, rerr)
		}

		if out.OK {
			task.Status = models.TaskSucceeded
			task.LastError = nil
			col.record(lease.AccountID, true)
			telemetry.SuccessesTotal.Inc()
			deps.notify(task)
			held = nil
			exclude = nil
			if usable(acct, deps.Cfg.MaxMembersPerDay) {
				if deps.sleep(ctx, deps.Tracker.ComputeDelay(lease.AccountID)) != nil {
					return nil
				}
			} else {
				deps.Pool.Release(lease)
				lease = nil
				if deps.sleep(ctx, deps.Cfg.AccountChangeDelay) != nil {
					return nil
				}
			}
			continue
		}

		dec := deps.Fallback.Decide(task, lease.AccountID, out)
		col.record(lease.AccountID, false)
		if dec.BlockAccount {
			deps.Pool.MarkBlocked(lease, dec.Reason)
			telemetry.AccountBlocksTotal.Inc()
		}
		if dec.CooldownAccount > 0 {
			deps.Pool.MarkCooldown(lease, dec.CooldownAccount)
			telemetry.AccountCooldownsTotal.Inc()
		}

		switch dec.Action {
		case fallback.ActionAbort:
			task.Status = models.TaskFailed
			setErr(task, dec.Reason)
			telemetry.FailuresTotal.Inc()
			deps.notify(task)
			return &models.Failure{Kind: out.Kind, Detail: out.Detail}

		case fallback.ActionFail:
			task.Status = models.TaskFailed
			setErr(task, dec.Reason)
			telemetry.FailuresTotal.Inc()
			deps.notify(task)
			held = nil
			exclude = nil
			if !usable(acct, deps.Cfg.MaxMembersPerDay) {
				deps.Pool.Release(lease)
				lease = nil
			}

		case fallback.ActionReassign:
			task.Status = models.TaskRetrying
			setErr(task, dec.Reason)
			held = task
			if exclude == nil {
				exclude = make(map[string]struct{})
			}
			exclude[lease.AccountID] = struct{}{}
			deps.Pool.Release(lease)
			lease = nil
			if deps.sleep(ctx, deps.Cfg.AccountChangeDelay) != nil {
				return nil
			}

		default: // retry on the same account
			task.Status = models.TaskRetrying
			setErr(task, dec.Reason)
			held = task
			if !usable(acct, deps.Cfg.MaxMembersPerDay) {
				// failure threshold tripped mid-retry, switch instead
				deps.Pool.Release(lease)
				lease = nil
				if deps.sleep(ctx, deps.Cfg.AccountChangeDelay) != nil {
					return nil
				}
			} else if deps.sleep(ctx, dec.Delay) != nil {
				return nil
			}
		}
	}
}

// acquireLease obtains an account for the task at hand, waiting out cooldowns
// when the pool says one will free up. Returns stop=true when the worker
// should exit. A nil lease with stop=false means the task was requeued.
func acquireLease(ctx context.Context, deps Deps, b *Backlog, exclude map[string]struct{}, task *models.Task, held **models.Task) (*pool.Lease, bool) {
	for {
		if ctx.Err() != nil {
			b.Requeue(task)
			*held = nil
			return nil, true
		}
		l, err := deps.Pool.Acquire(exclude)
		if err == nil {
			return l, false
		}
		if !errors.Is(err, pool.ErrNoAccounts) {
			log.Printf("acquire failed: %v", err)
			b.Requeue(task)
			*held = nil
			return nil, true
		}
		if len(exclude) > 0 {
			// only the excluded account may be free; put the task at the
			// back and let any account pick it up later
			b.Requeue(task)
			return nil, false
		}
		wake := deps.Pool.NextWake()
		if wake <= 0 {
			if deps.Pool.HeldCount() > 0 {
				// siblings still hold accounts that may free up work
				b.Requeue(task)
				*held = nil
				return nil, true
			}
			// nothing will ever become eligible again
			b.Requeue(task)
			for _, t := range b.Drain() {
				telemetry.SkippedTotal.Inc()
				setErr(t, "no eligible account")
				deps.notify(t)
			}
			*held = nil
			return nil, true
		}
		if deps.sleep(ctx, wake) != nil {
			b.Requeue(task)
			*held = nil
			return nil, true
		}
	}
}

func usable(a models.Account, maxDaily int) bool {
	return a.Status == models.AccountActive && a.DailyCount < maxDaily
}

func setErr(t *models.Task, reason string) {
	if reason == "" {
		return
	}
	r := reason
	t.LastError = &r
}
