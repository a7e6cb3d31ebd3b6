package strategy

import (
	"context"
	"sync"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

// Parallel fans the backlog out across a fixed number of workers. The tier
// label only affects naming and reporting; concurrency comes from Workers.
type Parallel struct {
	Tier    string
	Workers int
}

func (p Parallel) Name() string { return "parallel_" + p.Tier }

func (p Parallel) Run(ctx context.Context, b *Backlog, deps Deps) Result {
	n := p.Workers
	if n < 1 {
		n = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	col := newCollector()
	fatals := make(chan *models.Failure, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if f := runWorker(ctx, id, b, deps, col); f != nil {
				fatals <- f
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(fatals)

	res := Result{AccountStats: col.accounts}
	if f, ok := <-fatals; ok {
		res.Fatal = f
	}
	return res
}
