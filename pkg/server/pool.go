package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of work executed by the pool
type Task func()

// WorkerPool runs tasks on a bounded set of goroutines. It keeps minWorkers
// alive, grows up to maxWorkers when the queue is full, and lets surplus
// workers exit after keepAlive without work.
type WorkerPool struct {
	tasks      chan Task
	minWorkers int
	maxWorkers int
	keepAlive  time.Duration

	mu      sync.Mutex
	workers int
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool and starts its core workers
func NewWorkerPool(minWorkers, maxWorkers, queueSize int, keepAlive time.Duration) *WorkerPool {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if keepAlive <= 0 {
		keepAlive = 2 * time.Minute
	}

	p := &WorkerPool{
		tasks:      make(chan Task, queueSize),
		minWorkers: minWorkers,
		maxWorkers: maxWorkers,
		keepAlive:  keepAlive,
		quit:       make(chan struct{}),
	}

	p.mu.Lock()
	for i := 0; i < minWorkers; i++ {
		p.spawnLocked(nil, true)
	}
	p.mu.Unlock()

	return p
}

// Submit queues a task. When the queue is full the pool grows if it can,
// otherwise Submit blocks until space frees up, ctx ends or the pool closes.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return nil
	default:
	}

	if p.workers < p.maxWorkers {
		p.spawnLocked(task, false)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the current number of worker goroutines
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Shutdown stops all workers. Running tasks finish; queued tasks are discarded.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) spawnLocked(first Task, core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *WorkerPool) worker(first Task, core bool) {
	defer p.wg.Done()

	if first != nil {
		p.run(first)
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	if !core {
		idle = time.NewTimer(p.keepAlive)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-p.quit:
			p.exit()
			return
		case <-idleC:
			p.exit()
			return
		case task := <-p.tasks:
			select {
			case <-p.quit:
				p.exit()
				return
			default:
			}
			p.run(task)
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.keepAlive)
			}
		}
	}
}

func (p *WorkerPool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("worker pool: task panicked: %v", r)
		}
	}()
	task()
}
