package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

func TestSimulatorFaultMarkers(t *testing.T) {
	ctx := context.Background()
	s := &Simulator{}

	if err := s.AddMember(ctx, "g", "alice", "+100"); err != nil {
		t.Fatalf("plain member should succeed: %v", err)
	}

	var f *models.Failure
	if err := s.AddMember(ctx, "g", "fail:transient", "+100"); !errors.As(err, &f) || f.Kind != models.FailureTransient {
		t.Fatalf("got %v", err)
	}
	if err := s.AddMember(ctx, "g", "fail:banned", "+100"); !errors.As(err, &f) || f.Kind != models.FailureAccountInvalid {
		t.Fatalf("got %v", err)
	}
	if err := s.AddMember(ctx, "g", "fail:flood:45", "+100"); !errors.As(err, &f) || f.Kind != models.FailureRateLimited || f.RetryAfter != 45*time.Second {
		t.Fatalf("got %v", err)
	}
}

func TestSimulatorHonorsContext(t *testing.T) {
	s := &Simulator{Latency: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.AddMember(ctx, "g", "alice", "+100"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
