package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Do after Stop.
var ErrPoolClosed = errors.New("worker pool is closed")

// Job states. A queued job is claimed exactly once, either by a worker
// or by a caller giving up on it.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

// poolRequest represents a unit of work to be executed on a worker.
type poolRequest struct {
	fn    func() (interface{}, error)
	done  chan poolResult
	state *atomic.Int32
}

// poolResult holds the return value from a job.
type poolResult struct {
	value interface{}
	err   error
}

// WorkerPool runs script invocations on a fixed set of goroutines. Each job
// creates, uses and closes its own engine instance, so a worker never
// carries guest state from one request to the next.
type WorkerPool struct {
	requests chan poolRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool
}

// NewWorkerPool starts n workers. n <= 0 means one per CPU.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &WorkerPool{
		requests: make(chan poolRequest, n*4),
		quit:     make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.requests:
			if !req.state.CompareAndSwap(jobQueued, jobStarted) {
				continue
			}
			req.done <- p.execute(req.fn)
		case <-p.quit:
			return
		}
	}
}

// execute runs a job, recovering from panics.
func (p *WorkerPool) execute(fn func() (interface{}, error)) poolResult {
	var result poolResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		result.value, result.err = fn()
	}()
	return result
}

// Do submits fn and blocks until it completes. If ctx ends before a worker
// picks the job up, whether the job is still waiting to be queued or
// already queued, the job is abandoned and ctx.Err() returned. A job that
// has started runs to completion; fn is expected to honor ctx itself.
func (p *WorkerPool) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	req := poolRequest{
		fn:    fn,
		done:  make(chan poolResult, 1),
		state: new(atomic.Int32),
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.requests <- req:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, ctx.Err()
		}
		result := <-req.done
		return result.value, result.err
	}
}

// Stop shuts the workers down after their current jobs. Queued jobs that
// no worker picked up are failed with ErrPoolClosed.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case req := <-p.requests:
				req.done <- poolResult{err: ErrPoolClosed}
			default:
				return
			}
		}
	})
}
