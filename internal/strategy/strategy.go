package strategy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/fallback"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/platform"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
)

// Deps bundles the collaborators a strategy needs to execute a run.
type Deps struct {
	Pool     *pool.Pool
	Tracker  *ratelimit.Tracker
	Fallback *fallback.Coordinator
	Client   platform.Client
	Cfg      config.Config

	// Progress, when set, is invoked with a snapshot of each task as it
	// reaches a resolution. Calls never block the worker.
	Progress func(models.Task)

	// Sleep overrides the pacing timer. Left nil in production; tests
	// install a recorder to run without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is what a strategy hands back to the controller.
type Result struct {
	// Fatal is set when the run stopped on a configuration failure.
	Fatal *models.Failure
	// AccountStats counts successes and failures per account used.
	AccountStats map[string]models.AccountStats
}

// Strategy executes the tasks in a backlog against the account pool.
type Strategy interface {
	Name() string
	Run(ctx context.Context, b *Backlog, deps Deps) Result
}

func (d Deps) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d Deps) notify(t *models.Task) {
	if d.Progress == nil {
		return
	}
	snap := *t
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("progress callback panicked: %v", r)
			}
		}()
		d.Progress(snap)
	}()
}

// collector accumulates per-account outcomes across workers.
type collector struct {
	mu       sync.Mutex
	accounts map[string]models.AccountStats
}

func newCollector() *collector {
	return &collector{accounts: make(map[string]models.AccountStats)}
}

func (c *collector) record(accountID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.accounts[accountID]
	if ok {
		s.Succeeded++
	} else {
		s.Failed++
	}
	c.accounts[accountID] = s
}
