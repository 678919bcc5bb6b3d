// Package dispatcher owns the coordination bus between the scheduler and its
// workers: one inbox per worker, a shared result queue and a shared queue of
// free worker ids.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/metrics"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/queue/memory"
)

var (
	// ErrWorkerBusy is returned when a task is assigned to a worker that has
	// not reported the result of its previous task.
	ErrWorkerBusy = errors.New("worker busy")
	// ErrUnknownWorker is returned for an id outside the pool.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Runner is a worker loop started by Run.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans tasks out to a fixed pool of workers.
type Dispatcher struct {
	inboxes []*memory.Queue[monitor.Task]
	results *memory.Queue[monitor.Result]
	free    *memory.Queue[int]

	mu   sync.Mutex
	busy []bool

	logger *zap.Logger
}

// New creates a Dispatcher for n workers.
func New(n int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	inboxes := make([]*memory.Queue[monitor.Task], n)
	for i := range inboxes {
		inboxes[i] = memory.NewQueue[monitor.Task](1)
	}
	capacity := max(n, 1)
	return &Dispatcher{
		inboxes: inboxes,
		results: memory.NewQueue[monitor.Result](capacity),
		free:    memory.NewQueue[int](capacity),
		busy:    make([]bool, n),
		logger:  logger,
	}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.inboxes)
}

// Inbox returns worker id's task queue.
func (d *Dispatcher) Inbox(id int) *memory.Queue[monitor.Task] {
	return d.inboxes[id]
}

// Results returns the shared result queue.
func (d *Dispatcher) Results() *memory.Queue[monitor.Result] {
	return d.results
}

// Free returns the shared free-worker queue.
func (d *Dispatcher) Free() *memory.Queue[int] {
	return d.free
}

// Run starts all workers and blocks until every one of them returned.
func (d *Dispatcher) Run(ctx context.Context, runners []Runner) {
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
}

// Assign marks worker id busy and hands it task.
func (d *Dispatcher) Assign(ctx context.Context, id int, task monitor.Task) error {
	if id < 0 || id >= len(d.inboxes) {
		return fmt.Errorf("assign to %d: %w", id, ErrUnknownWorker)
	}
	d.mu.Lock()
	if d.busy[id] {
		d.mu.Unlock()
		return fmt.Errorf("assign %s to %d: %w", task.Kind(), id, ErrWorkerBusy)
	}
	d.busy[id] = true
	busy := d.countLocked()
	d.mu.Unlock()
	metrics.SetBusyWorkers(busy)

	if err := d.inboxes[id].Enqueue(ctx, task); err != nil {
		d.Release(id)
		return fmt.Errorf("enqueue %s for worker %d: %w", task.Kind(), id, err)
	}
	metrics.ObserveDispatch(string(task.Kind()))
	d.logger.Info("task dispatched",
		zap.Int("worker_id", id),
		zap.String("task", string(task.Kind())),
		zap.String("username", task.Target()),
	)
	return nil
}

// Release clears worker id's busy flag.
func (d *Dispatcher) Release(id int) {
	if id < 0 || id >= len(d.busy) {
		return
	}
	d.mu.Lock()
	d.busy[id] = false
	busy := d.countLocked()
	d.mu.Unlock()
	metrics.SetBusyWorkers(busy)
}

// Busy reports whether worker id has an outstanding task.
func (d *Dispatcher) Busy(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return id >= 0 && id < len(d.busy) && d.busy[id]
}

// BusyCount returns the number of workers with an outstanding task.
func (d *Dispatcher) BusyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countLocked()
}

// ReturnFree puts worker id back into the free pool.
func (d *Dispatcher) ReturnFree(ctx context.Context, id int) error {
	if err := d.free.Enqueue(ctx, id); err != nil {
		return fmt.Errorf("return worker %d: %w", id, err)
	}
	return nil
}

// Close closes every inbox so idle workers exit.
func (d *Dispatcher) Close() {
	for _, q := range d.inboxes {
		q.Close()
	}
}

func (d *Dispatcher) countLocked() int {
	n := 0
	for _, b := range d.busy {
		if b {
			n++
		}
	}
	return n
}
