package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/archive"
	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/controller"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/platform"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/queue"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/registry"
	"github.com/mojtabashariatzade/adder-repo/internal/store"
	"github.com/mojtabashariatzade/adder-repo/internal/telemetry"
)

const pollInterval = 2 * time.Second

// Orchestrator is the daemon loop: it dequeues runs from the intake queue,
// executes them through the controller, and persists the results. It owns
// the live account registry for the process.
type Orchestrator struct {
	cfg      config.Config
	queue    *queue.RunQueue
	store    *store.Store
	reg      *registry.Registry
	pool     *pool.Pool
	tracker  *ratelimit.Tracker
	client   platform.Client
	archiver *archive.Archiver
}

func New(cfg config.Config, q *queue.RunQueue, st *store.Store, reg *registry.Registry, p *pool.Pool, tr *ratelimit.Tracker, client platform.Client, arch *archive.Archiver) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		queue:    q,
		store:    st,
		reg:      reg,
		pool:     p,
		tracker:  tr,
		client:   client,
		archiver: arch,
	}
}

// Run polls the intake queue until context cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		o.applyUnblocks(ctx)
		_, _ = o.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := o.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired run leases", len(reclaimed))
		}
		if depth, err := o.queue.Depth(ctx); err == nil {
			telemetry.BacklogDepth.Set(float64(depth))
		}

		runID, err := o.queue.DequeueWithLease(ctx)
		if err != nil || runID == "" {
			sleepCtx(ctx, pollInterval)
			continue
		}

		o.executeRun(ctx, runID)
	}
}

func (o *Orchestrator) executeRun(ctx context.Context, runID string) {
	defer func() {
		_ = o.queue.Ack(ctx, runID)
		_ = o.queue.ClearCancel(ctx, runID)
	}()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("run=%s load failed: %v", runID, err)
		return
	}
	if cancelled, _ := o.queue.CancelRequested(ctx, runID); cancelled {
		now := time.Now().UTC()
		run.Status = models.RunCancelled
		run.EndedAt = &now
		_ = o.store.SaveRun(ctx, run)
		return
	}

	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()
	go o.watchRun(rctx, rcancel, runID)

	ctrl := controller.New(o.cfg, o.pool, o.tracker, o.client)
	ctrl.Checkpoint = o.store

	run, execErr := ctrl.Execute(rctx, run)
	if execErr != nil {
		log.Printf("run=%s execute: %v", runID, execErr)
	}

	for _, t := range run.Tasks {
		if t.Status == models.TaskFailed {
			_ = o.queue.DLQPush(ctx, t.ID)
			telemetry.DeadLetterTotal.Inc()
		}
	}

	o.persistAccounts(ctx)

	if o.archiver != nil && run.Status != models.RunPending {
		if loc, err := o.archiver.SaveReport(ctx, run); err != nil {
			log.Printf("run=%s archive failed: %v", runID, err)
		} else {
			log.Printf("run=%s report archived at %s", runID, loc)
		}
	}
}

// watchRun cancels the run context when an operator requests cancellation,
// and keeps the queue lease alive while the run executes.
func (o *Orchestrator) watchRun(ctx context.Context, cancel context.CancelFunc, runID string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled, err := o.queue.CancelRequested(ctx, runID); err == nil && cancelled {
				log.Printf("run=%s cancel requested", runID)
				cancel()
				return
			}
			_ = o.queue.ExtendLease(ctx, runID, 5*time.Minute)
		}
	}
}

func (o *Orchestrator) applyUnblocks(ctx context.Context) {
	for {
		id, err := o.queue.PopUnblock(ctx)
		if err != nil || id == "" {
			return
		}
		if err := o.reg.Unblock(id); err != nil {
			log.Printf("account=%s unblock failed: %v", id, err)
			continue
		}
		acct, err := o.reg.Get(id)
		if err == nil {
			_ = o.store.SaveAccount(ctx, acct)
		}
		_ = o.store.AppendAudit(ctx, id, "unblocked", "operator unblock applied")
		log.Printf("account=%s unblocked", id)
	}
}

func (o *Orchestrator) persistAccounts(ctx context.Context) {
	for _, a := range o.reg.All() {
		if err := o.store.SaveAccount(ctx, a); err != nil {
			log.Printf("account=%s persist failed: %v", a.ID, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
