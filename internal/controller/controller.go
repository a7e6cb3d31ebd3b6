package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/fallback"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/platform"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/strategy"
)

// Checkpointer persists run state so an interrupted run can be resumed.
type Checkpointer interface {
	SaveRun(ctx context.Context, run *models.Run) error
}

// Controller drives a run end to end: it validates configuration, picks an
// execution strategy from pool capacity, executes it, and aggregates stats.
type Controller struct {
	cfg     config.Config
	pool    *pool.Pool
	tracker *ratelimit.Tracker
	client  platform.Client

	// Progress, when set, receives a snapshot of every task resolution.
	Progress func(models.Task)
	// Checkpoint, when set, is called with run state every
	// CheckpointInterval resolutions and at run completion.
	Checkpoint Checkpointer
	// Sleep is forwarded to strategies. Tests install a recorder here.
	Sleep func(ctx context.Context, d time.Duration) error

	now func() time.Time
}

func New(cfg config.Config, p *pool.Pool, tr *ratelimit.Tracker, client platform.Client) *Controller {
	return &Controller{cfg: cfg, pool: p, tracker: tr, client: client, now: time.Now}
}

// NewRun builds a pending run for the given group with one task per member.
func NewRun(group string, members []string) *models.Run {
	run := &models.Run{
		ID:           uuid.NewString(),
		Group:        group,
		Status:       models.RunPending,
		AccountStats: make(map[string]models.AccountStats),
		CreatedAt:    time.Now().UTC(),
	}
	for _, m := range members {
		run.Tasks = append(run.Tasks, &models.Task{
			ID:     uuid.NewString(),
			Member: m,
			Group:  group,
			Status: models.TaskPending,
		})
	}
	return run
}

// Execute runs every outstanding task in the run. On a configuration error
// the run aborts before touching any account. A cancelled context stops the
// run at the next task boundary; stats for finished work are still reported.
func (c *Controller) Execute(ctx context.Context, run *models.Run) (*models.Run, error) {
	if err := c.cfg.Validate(); err != nil {
		now := c.now().UTC()
		run.Status = models.RunAborted
		run.EndedAt = &now
		return run, fmt.Errorf("run %s rejected: %w", run.ID, err)
	}

	started := c.now().UTC()
	run.Status = models.RunRunning
	run.StartedAt = &started

	usable := c.pool.UsableCount()
	strat := strategy.Select(usable, c.cfg)
	run.Strategy = strat.Name()
	log.Printf("run=%s strategy=%s usable_accounts=%d tasks=%d", run.ID, strat.Name(), usable, len(run.Tasks))

	backlog := strategy.NewBacklog(outstanding(run.Tasks))
	ckpt := newCheckpointTracker(c, run)
	deps := strategy.Deps{
		Pool:     c.pool,
		Tracker:  c.tracker,
		Fallback: fallback.New(c.tracker, c.cfg.MaxRetryCount),
		Client:   c.client,
		Cfg:      c.cfg,
		Progress: ckpt.observe,
		Sleep:    c.Sleep,
	}

	res := strat.Run(ctx, backlog, deps)

	ended := c.now().UTC()
	run.EndedAt = &ended
	run.AccountStats = res.AccountStats
	run.Stats = tally(run.Tasks)

	switch {
	case res.Fatal != nil:
		run.Status = models.RunAborted
	case ctx.Err() != nil:
		run.Status = models.RunCancelled
	default:
		run.Status = models.RunCompleted
	}

	c.checkpoint(run)
	log.Printf("run=%s status=%s attempted=%d succeeded=%d failed=%d skipped=%d",
		run.ID, run.Status, run.Stats.Attempted, run.Stats.Succeeded, run.Stats.Failed, run.Stats.Skipped)

	if res.Fatal != nil {
		return run, fmt.Errorf("run %s aborted: %w", run.ID, res.Fatal)
	}
	return run, nil
}

func outstanding(tasks []*models.Task) []*models.Task {
	out := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

func tally(tasks []*models.Task) models.RunStats {
	var s models.RunStats
	for _, t := range tasks {
		if t.Attempts > 0 {
			s.Attempted++
		}
		switch {
		case t.Status == models.TaskSucceeded:
			s.Succeeded++
		case t.Status == models.TaskFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	return s
}

func (c *Controller) checkpoint(run *models.Run) {
	if c.Checkpoint == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Checkpoint.SaveRun(cctx, run); err != nil {
		log.Printf("run=%s checkpoint failed: %v", run.ID, err)
	}
}

// checkpointTracker fans task resolutions out to the caller's progress
// callback and persists a consistent snapshot every N resolutions. It keeps
// its own task copies so checkpoints never read state a worker is mutating.
type checkpointTracker struct {
	c   *Controller
	run *models.Run

	mu       sync.Mutex
	resolved int
	tasks    map[string]models.Task
}

func newCheckpointTracker(c *Controller, run *models.Run) *checkpointTracker {
	return &checkpointTracker{c: c, run: run, tasks: make(map[string]models.Task)}
}

func (ck *checkpointTracker) observe(t models.Task) {
	if ck.c.Progress != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("progress callback panicked: %v", r)
				}
			}()
			ck.c.Progress(t)
		}()
	}

	if ck.c.Checkpoint == nil || ck.c.cfg.CheckpointInterval <= 0 {
		return
	}
	ck.mu.Lock()
	defer ck.mu.Unlock()
	ck.tasks[t.ID] = t
	ck.resolved++
	if ck.resolved%ck.c.cfg.CheckpointInterval != 0 {
		return
	}
	snap := &models.Run{
		ID:        ck.run.ID,
		Group:     ck.run.Group,
		Strategy:  ck.run.Strategy,
		Status:    models.RunRunning,
		CreatedAt: ck.run.CreatedAt,
		StartedAt: ck.run.StartedAt,
	}
	for _, t := range ck.run.Tasks {
		cp, ok := ck.tasks[t.ID]
		if !ok {
			cp = models.Task{ID: t.ID, Member: t.Member, Group: t.Group, Status: models.TaskPending}
		}
		snap.Tasks = append(snap.Tasks, &cp)
	}
	ck.c.checkpoint(snap)
}
