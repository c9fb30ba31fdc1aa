// Package workpool runs jobs on a fixed number of goroutines.
package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Outcome is the result of one item passed to Run.
type Outcome struct {
	Index int
	Err   error
	// Skipped is set when the item never ran because the run was halted or
	// the context ended first.
	Skipped bool
}

// Run calls fn for every item using at most workers goroutines and returns
// one Outcome per item, in item order. Once halt reports true for an error,
// items that have not started yet are skipped.
func Run[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error, halt func(error) bool) []Outcome {
	outcomes := make([]Outcome, len(items))
	if len(items) == 0 {
		return outcomes
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan int)
	var halted atomic.Bool
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if halted.Load() || ctx.Err() != nil {
					outcomes[i] = Outcome{Index: i, Skipped: true}
					continue
				}
				err := fn(ctx, items[i])
				outcomes[i] = Outcome{Index: i, Err: err}
				if err != nil && halt != nil && halt(err) {
					halted.Store(true)
				}
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

// Pool is a long-lived worker pool fed through a bounded queue.
type Pool[T any] struct {
	name       string
	handle     func(context.Context, T) error
	jobQueue   chan T
	numWorkers int
	jobTimeout time.Duration
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool; call Start before Submit.
func NewPool[T any](name string, numWorkers, queueSize int, jobTimeout time.Duration, handle func(context.Context, T) error) *Pool[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool[T]{
		name:       name,
		handle:     handle,
		jobQueue:   make(chan T, queueSize),
		numWorkers: numWorkers,
		jobTimeout: jobTimeout,
	}
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) {
	for i := range p.numWorkers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Infof("Started %d %s workers", p.numWorkers, p.name)
}

// Submit queues a job without blocking. It reports false when the queue is
// full or the pool is stopped.
func (p *Pool[T]) Submit(job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobQueue <- job:
		return true
	default:
		log.WithField("pool", p.name).Warn("Job queue full, dropping job")
		return false
	}
}

// Stop drains the queue and waits for workers until ctx is done.
func (p *Pool[T]) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		log.Infof("All %s workers stopped after drain", p.name)
	case <-ctx.Done():
		log.Warnf("Stopped waiting for %s workers: %v", p.name, ctx.Err())
	}
}

func (p *Pool[T]) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
			if err := p.handle(jobCtx, job); err != nil {
				log.WithError(err).WithFields(log.Fields{"pool": p.name, "worker": workerID}).Error("Job failed")
			}
			cancel()
		}
	}
}
