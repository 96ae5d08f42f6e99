// Package worker implements the Worker Pool (§2, §5): the off-thread
// executor for plugin calls and key derivations, so the single-threaded
// request processor's event loop is never blocked on I/O or CPU-bound
// crypto.
package worker

import (
	"sync"

	"github.com/DanielKrawisz/runner"
)

// Job is a unit of off-thread work: a plugin call or a key derivation,
// closed over its own arguments. Result and Err are delivered to Done
// once Run has been called by a pool goroutine.
type Job struct {
	ID  string
	Run func() (interface{}, error)

	// Done receives exactly one completion. The pool sends on it from
	// whichever goroutine ran the job; callers select on it or wire it
	// to a channel the daemon's event loop already multiplexes.
	Done chan<- Completion
}

// Completion is what a Job reports back once run.
type Completion struct {
	ID     string
	Result interface{}
	Err    error
}

// Pool runs Jobs on a fixed number of goroutines managed by a
// runner.Runner, so Start/Stop follow the same lifecycle idiom as the
// rest of the daemon's long-running components.
//
// Grounded on DanielKrawisz-bmagent/powmgr/pow.go's queue-plus-goroutine
// design, generalized from a single proof-of-work function to arbitrary
// jobs, and on powmanager.go's runner.Runnable select-loop for the
// per-worker lifecycle. Library: github.com/DanielKrawisz/runner.
type Pool struct {
	size int
	jobs chan Job

	mu   sync.Mutex
	runs []*runner.Runner
}

// New returns a Pool sized to run up to size jobs concurrently. Call
// Start before submitting jobs.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size: size,
		jobs: make(chan Job, size*4),
	}
}

// Start launches size worker goroutines, each lifecycle-managed by its
// own runner.Runner so Stop can wait for in-flight jobs to finish
// draining before returning.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runs = make([]*runner.Runner, 0, p.size)
	for i := 0; i < p.size; i++ {
		r := runner.New([]runner.Runnable{p.worker}, nil, nil)
		r.Start()
		p.runs = append(p.runs, r)
	}
}

// Stop signals every worker goroutine to finish its current job and
// exit, then waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	runs := p.runs
	p.runs = nil
	p.mu.Unlock()

	for _, r := range runs {
		r.Stop()
	}
}

// Submit enqueues a job for execution by the next free worker. It blocks
// if the pool's internal queue is full, which back-pressures the event
// loop rather than growing an unbounded backlog of plugin calls.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// worker is a runner.Runnable: it pulls jobs off the shared channel
// until told to quit, mirroring powmgr's single select loop per
// goroutine but without the queue-peek/dequeue two-step, since Job
// already carries everything needed to run and report.
func (p *Pool) worker(quit <-chan struct{}) error {
	for {
		select {
		case <-quit:
			return nil
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			result, err := job.Run()
			job.Done <- Completion{ID: job.ID, Result: result, Err: err}
		}
	}
}
