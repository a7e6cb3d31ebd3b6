package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/archive"
	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/orchestrator"
	"github.com/mojtabashariatzade/adder-repo/internal/platform"
	"github.com/mojtabashariatzade/adder-repo/internal/pool"
	"github.com/mojtabashariatzade/adder-repo/internal/queue"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/registry"
	"github.com/mojtabashariatzade/adder-repo/internal/store"
	"github.com/mojtabashariatzade/adder-repo/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	reg, err := registry.New(registry.Limits{
		MaxMembersPerDay:       cfg.MaxMembersPerDay,
		MaxFailuresBeforeBlock: cfg.MaxFailuresBeforeBlock,
	}, accounts)
	if err != nil {
		log.Fatalf("build registry: %v", err)
	}
	go reg.RunDailyReset(ctx.Done())

	tracker := ratelimit.NewTracker(reg, cfg.DefaultDelay, cfg.MaxDelay)
	accountPool := pool.New(reg, tracker, cfg.MaxMembersPerDay, cfg.MaxDelay)

	q := queue.NewRunQueue(cfg)

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	client := &platform.Simulator{Latency: 50 * time.Millisecond}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	orch := orchestrator.New(cfg, q, st, reg, accountPool, tracker, client, arch)
	log.Printf("orchestrator started accounts=%d default_delay=%s max_delay=%s", reg.Len(), cfg.DefaultDelay, cfg.MaxDelay)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("orchestrator stopped: %v", err)
	}
}
