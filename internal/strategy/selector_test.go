package strategy

import (
	"testing"
)

func TestSelectTiers(t *testing.T) {
	cfg := testCfg()
	cases := []struct {
		usable  int
		name    string
		workers int
	}{
		{0, "sequential", 1},
		{1, "sequential", 1},
		{2, "parallel_low", 2},
		{3, "parallel_low", 3},
		{4, "parallel_medium", 4},
		{6, "parallel_medium", 6},
		{7, "parallel_high", 7},
		{12, "parallel_high", 12},
	}
	for _, tc := range cases {
		s := Select(tc.usable, cfg)
		if s.Name() != tc.name {
			t.Fatalf("usable=%d: got %s want %s", tc.usable, s.Name(), tc.name)
		}
		if p, ok := s.(Parallel); ok && p.Workers != tc.workers {
			t.Fatalf("usable=%d: got %d workers want %d", tc.usable, p.Workers, tc.workers)
		}
	}
}

func TestSelectHonorsConfiguredThresholds(t *testing.T) {
	cfg := testCfg()
	cfg.TierLowMin = 3
	cfg.TierMediumMin = 10
	cfg.TierHighMin = 20

	if s := Select(2, cfg); s.Name() != "sequential" {
		t.Fatalf("below low threshold should be sequential, got %s", s.Name())
	}
	if s := Select(9, cfg); s.Name() != "parallel_low" {
		t.Fatalf("expected widened low band, got %s", s.Name())
	}
	if s := Select(19, cfg); s.Name() != "parallel_medium" {
		t.Fatalf("expected widened medium band, got %s", s.Name())
	}
	if s := Select(20, cfg); s.Name() != "parallel_high" {
		t.Fatalf("expected high tier, got %s", s.Name())
	}
}

func TestBacklogOrder(t *testing.T) {
	ts := tasks("m1", "m2", "m3")
	b := NewBacklog(ts)

	first, ok := b.Pop()
	if !ok || first.Member != "m1" {
		t.Fatalf("expected m1 first")
	}
	b.Requeue(first)

	if next, _ := b.Pop(); next.Member != "m2" {
		t.Fatalf("requeue must go to the back, got %s", next.Member)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", b.Len())
	}
	rest := b.Drain()
	if len(rest) != 2 || rest[0].Member != "m3" || rest[1].Member != "m1" {
		t.Fatalf("drain order wrong: %v", rest)
	}
	if _, ok := b.Pop(); ok {
		t.Fatalf("drained backlog should be empty")
	}
}
