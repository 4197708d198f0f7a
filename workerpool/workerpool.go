// Package workerpool provides a bounded pool for fanning out independent,
// read-only tasks such as receipt prefetching.
package workerpool

import "sync"

type Pool struct {
	tasks   chan func()
	pending sync.WaitGroup
	workers sync.WaitGroup
}

// New starts a pool of the given number of workers with a task queue of the
// given size.
func New(workers, queueSize int) *Pool {
	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
		p.pending.Done()
	}
}

// Submit queues a task. Blocks when the queue is full.
func (p *Pool) Submit(task func()) {
	p.pending.Add(1)
	p.tasks <- task
}

// Wait blocks until all submitted tasks have finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close stops the workers after draining the queue. The pool must not be
// used afterwards.
func (p *Pool) Close() {
	close(p.tasks)
	p.workers.Wait()
}
