package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RunQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRunQueueWithClient(client, "ops:dlq")
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "run-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "run-1" {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("expected empty ready list, got %d", depth)
	}

	// nothing else is ready
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, id=%q err=%v", id, err)
	}

	if err := q.Ack(ctx, "run-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked run must not be reclaimed: %v", reclaimed)
	}
}

func TestScheduledRunsPromoteWhenDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "run-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled run dequeued early: %q", id)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing is due yet, promoted %d err=%v", n, err)
	}

	n, err = q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promoted, got %d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "run-1" {
		t.Fatalf("promoted run should be ready, got %q", id)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "run-1", time.Now())
	if id, _ := q.DequeueWithLease(ctx); id != "run-1" {
		t.Fatalf("dequeue failed")
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(10*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "run-1" {
		t.Fatalf("expected run-1 reclaimed, got %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "run-1" {
		t.Fatalf("reclaimed run should be ready again")
	}
}

func TestRemoveDropsRunEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "run-1", time.Now())
	_ = q.Enqueue(ctx, "run-2", time.Now().Add(time.Hour))

	if err := q.Remove(ctx, "run-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove(ctx, "run-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("removed run still dequeued: %q", id)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("removed scheduled run still promoted")
	}
}

func TestCancelFlag(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if requested, _ := q.CancelRequested(ctx, "run-1"); requested {
		t.Fatalf("no flag set yet")
	}
	if err := q.RequestCancel(ctx, "run-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if requested, _ := q.CancelRequested(ctx, "run-1"); !requested {
		t.Fatalf("expected cancel flag")
	}
	if err := q.ClearCancel(ctx, "run-1"); err != nil {
		t.Fatalf("clear cancel: %v", err)
	}
	if requested, _ := q.CancelRequested(ctx, "run-1"); requested {
		t.Fatalf("flag should be cleared")
	}
}

func TestUnblockRequests(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if id, err := q.PopUnblock(ctx); err != nil || id != "" {
		t.Fatalf("empty queue: id=%q err=%v", id, err)
	}
	_ = q.RequestUnblock(ctx, "acct-1")
	_ = q.RequestUnblock(ctx, "acct-2")

	if id, _ := q.PopUnblock(ctx); id != "acct-1" {
		t.Fatalf("expected acct-1 first, got %q", id)
	}
	if id, _ := q.PopUnblock(ctx); id != "acct-2" {
		t.Fatalf("expected acct-2, got %q", id)
	}
}

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.DLQPush(ctx, "task-1")
	_ = q.DLQPush(ctx, "task-2")

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(items) != 2 || items[0] != "task-1" {
		t.Fatalf("unexpected dlq contents %v", items)
	}
}
