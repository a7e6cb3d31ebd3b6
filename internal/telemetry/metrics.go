package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AttemptsTotal         = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_member_attempts_total", Help: "Member add attempts across all runs"})
	SuccessesTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_member_successes_total", Help: "Members added successfully"})
	FailuresTotal         = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_member_failures_total", Help: "Tasks that exhausted retries or hit a fatal failure"})
	SkippedTotal          = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_member_skipped_total", Help: "Tasks skipped because no account was eligible"})
	AccountBlocksTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_account_blocks_total", Help: "Accounts blocked after invalid-account failures"})
	AccountCooldownsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_account_cooldowns_total", Help: "Cooldowns applied after platform rate limits"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_api_rate_limit_rejects_total", Help: "API requests rejected by the intake rate limiter"})
	DeadLetterTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "adder_dead_letter_total", Help: "Tasks moved to the dead letter queue"})
	BacklogDepth          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adder_run_backlog_depth", Help: "Queued runs awaiting execution"})
	ActiveWorkers         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adder_active_workers", Help: "Strategy workers currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AttemptsTotal,
			SuccessesTotal,
			FailuresTotal,
			SkippedTotal,
			AccountBlocksTotal,
			AccountCooldownsTotal,
			RateLimitRejects,
			DeadLetterTotal,
			BacklogDepth,
			ActiveWorkers,
		)
	})
	return promhttp.Handler()
}
