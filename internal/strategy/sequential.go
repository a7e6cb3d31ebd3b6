package strategy

import (
	"context"
)

// Sequential processes the backlog one task at a time on a single worker,
// preserving submission order for successful tasks.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Run(ctx context.Context, b *Backlog, deps Deps) Result {
	col := newCollector()
	fatal := runWorker(ctx, 0, b, deps, col)
	return Result{Fatal: fatal, AccountStats: col.accounts}
}
