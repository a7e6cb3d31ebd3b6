package strategy

import (
	"sync"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

// Backlog is the shared FIFO of pending tasks for one run. Workers pop from
// the front; requeued tasks go to the back. Safe for concurrent use.
type Backlog struct {
	mu    sync.Mutex
	tasks []*models.Task
}

// NewBacklog seeds a backlog with tasks in submission order.
func NewBacklog(tasks []*models.Task) *Backlog {
	b := &Backlog{tasks: make([]*models.Task, len(tasks))}
	copy(b.tasks, tasks)
	return b
}

// Pop removes and returns the next task, or false when empty.
func (b *Backlog) Pop() (*models.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tasks) == 0 {
		return nil, false
	}
	t := b.tasks[0]
	b.tasks = b.tasks[1:]
	return t, true
}

// Requeue puts a task back at the end of the backlog.
func (b *Backlog) Requeue(t *models.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, t)
}

// Len reports the number of queued tasks.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// Drain empties the backlog, returning whatever was left. Used when the pool
// reports sustained unavailability so sibling workers stop polling too.
func (b *Backlog) Drain() []*models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := b.tasks
	b.tasks = nil
	return rest
}
