package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/platform"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/registry"
)

func testCfg() config.Config {
	return config.Config{
		MaxMembersPerDay:       20,
		MaxRetryCount:          2,
		MaxFailuresBeforeBlock: 5,
		DefaultDelay:           time.Millisecond,
		MaxDelay:               10 * time.Millisecond,
		AccountChangeDelay:     2 * time.Millisecond,
		CallTimeout:            time.Second,
		TierLowMin:             2,
		TierMediumMin:          4,
		TierHighMin:            7,
		CheckpointInterval:     1,
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newController(t *testing.T, cfg config.Config, client platform.Client, accountIDs ...string) (*Controller, *registry.Registry) {
	t.Helper()
	accounts := make([]models.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		accounts = append(accounts, models.Account{ID: id, Phone: "+1" + id, Status: models.AccountActive})
	}
	reg, err := registry.New(registry.Limits{
		MaxMembersPerDay:       cfg.MaxMembersPerDay,
		MaxFailuresBeforeBlock: cfg.MaxFailuresBeforeBlock,
	}, accounts)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tracker := ratelimit.NewTracker(reg, cfg.DefaultDelay, cfg.MaxDelay)
	p := pool.New(reg, tracker, cfg.MaxMembersPerDay, cfg.MaxDelay)
	c := New(cfg, p, tracker, client)
	c.Sleep = noSleep
	return c, reg
}

func TestNewRunBuildsPendingTasks(t *testing.T) {
	run := NewRun("mygroup", []string{"u1", "u2"})
	if run.Status != models.RunPending || len(run.Tasks) != 2 {
		t.Fatalf("status=%s tasks=%d", run.Status, len(run.Tasks))
	}
	if run.ID == "" || run.Tasks[0].ID == run.Tasks[1].ID {
		t.Fatalf("expected distinct ids")
	}
	for _, task := range run.Tasks {
		if task.Group != "mygroup" || task.Status != models.TaskPending {
			t.Fatalf("task %+v", task)
		}
	}
}

func TestExecuteAggregatesStats(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")

	run := NewRun("g", []string{"u1", "fail:transient", "u2"})
	run, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if run.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.Strategy != "sequential" {
		t.Fatalf("one account should pick sequential, got %s", run.Strategy)
	}
	s := run.Stats
	if s.Succeeded != 2 || s.Failed != 1 || s.Attempted != 3 || s.Skipped != 0 {
		t.Fatalf("stats %+v", s)
	}
	if run.StartedAt == nil || run.EndedAt == nil {
		t.Fatalf("expected start and end timestamps")
	}
	acct := run.AccountStats["a"]
	if acct.Succeeded != 2 || acct.Failed != c.cfg.MaxRetryCount {
		t.Fatalf("account stats %+v", acct)
	}
}

func TestExecuteRejectsInvalidConfig(t *testing.T) {
	cfg := testCfg()
	cfg.MaxMembersPerDay = 0
	c, reg := newController(t, cfg, &platform.Simulator{}, "a")

	run := NewRun("g", []string{"u1"})
	run, err := c.Execute(context.Background(), run)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected config.ErrInvalid, got %v", err)
	}
	if run.Status != models.RunAborted {
		t.Fatalf("expected aborted, got %s", run.Status)
	}
	// the abort happens before any account is touched
	a, _ := reg.Get("a")
	if a.DailyCount != 0 || a.LastUsedAt != nil {
		t.Fatalf("account mutated by rejected run: %+v", a)
	}
	if run.Tasks[0].Attempts != 0 {
		t.Fatalf("no attempts on a rejected run")
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := NewRun("g", []string{"u1", "u2"})
	run, err := c.Execute(ctx, run)
	if err != nil {
		t.Fatalf("cancellation is not an execute error: %v", err)
	}
	if run.Status != models.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	if run.Stats.Skipped != 2 || run.Stats.Attempted != 0 {
		t.Fatalf("stats %+v", run.Stats)
	}
}

type fatalClient struct{}

func (fatalClient) AddMember(ctx context.Context, group, member, phone string) error {
	return models.NewFailure(models.FailureConfigFatal, "api id revoked")
}

func TestExecuteAbortsOnFatalFailure(t *testing.T) {
	c, _ := newController(t, testCfg(), fatalClient{}, "a")

	run := NewRun("g", []string{"u1", "u2"})
	run, err := c.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected an abort error")
	}
	if run.Status != models.RunAborted {
		t.Fatalf("expected aborted, got %s", run.Status)
	}
	if run.Stats.Failed != 1 || run.Stats.Skipped != 1 {
		t.Fatalf("stats %+v", run.Stats)
	}
}

func TestProgressCallbackSeesEveryResolution(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")

	var mu sync.Mutex
	var seen []string
	c.Progress = func(task models.Task) {
		mu.Lock()
		seen = append(seen, task.Member+":"+task.Status)
		mu.Unlock()
	}

	run := NewRun("g", []string{"u1", "u2"})
	if _, err := c.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// callbacks are fire-and-forget; give the goroutines a moment
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress callbacks missing, saw %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgressCallbackPanicDoesNotKillRun(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")
	c.Progress = func(models.Task) { panic("listener bug") }

	run := NewRun("g", []string{"u1"})
	run, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	saves []string
}

func (r *recordingCheckpointer) SaveRun(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, run.Status)
	return nil
}

func TestCheckpointsDuringAndAfterRun(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")
	ck := &recordingCheckpointer{}
	c.Checkpoint = ck

	run := NewRun("g", []string{"u1", "u2", "u3"})
	if _, err := c.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		ck.mu.Lock()
		n := len(ck.saves)
		final := false
		for _, s := range ck.saves {
			if s == models.RunCompleted {
				final = true
			}
		}
		ck.mu.Unlock()
		if n >= 4 && final {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected interval checkpoints plus a final save, got %d (%v)", n, ck.saves)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecuteResumesOutstandingTasksOnly(t *testing.T) {
	c, _ := newController(t, testCfg(), &platform.Simulator{}, "a")

	run := NewRun("g", []string{"u1", "u2"})
	run.Tasks[0].Status = models.TaskSucceeded
	run.Tasks[0].Attempts = 1

	run, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Tasks[0].Attempts != 1 {
		t.Fatalf("finished task must not be re-attempted")
	}
	if run.Tasks[1].Status != models.TaskSucceeded {
		t.Fatalf("outstanding task should run, got %s", run.Tasks[1].Status)
	}
	if run.Stats.Succeeded != 2 {
		t.Fatalf("stats %+v", run.Stats)
	}
}
