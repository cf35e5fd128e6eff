package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// ErrClosed is returned when an operation is submitted after Close.
var ErrClosed = errors.New("controller is closed")

// ErrQueueFull is returned when the async queue has no room.
var ErrQueueFull = errors.New("controller queue is full")

// pool runs asynchronous operations on a fixed set of workers.
type pool struct {
	jobs    chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	queued  atomic.Int64
	metrics *telemetry.Metrics
}

func newPool(workers, queueSize int, metrics *telemetry.Metrics) *pool {
	if workers <= 0 {
		workers = 1
	}
	p := &pool{
		jobs:    make(chan func(), queueSize),
		metrics: metrics,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.metrics.SetQueuedOperations(int(p.queued.Add(-1)))
				job()
			}
		}()
	}
	return p
}

func (p *pool) submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		p.metrics.SetQueuedOperations(int(p.queued.Add(1)))
		return nil
	default:
		return ErrQueueFull
	}
}

// close stops accepting jobs and waits for the workers to drain the queue.
func (p *pool) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Future is the pending response of an asynchronous operation.
type Future struct {
	id     string
	done   chan struct{}
	resp   *ops.Response
	cancel context.CancelFunc
}

// ID identifies the request.
func (f *Future) ID() string { return f.id }

// Done is closed once the response is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the response.
func (f *Future) Get(ctx context.Context) (*ops.Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel interrupts the operation. A transaction that has not committed yet
// is rolled back.
func (f *Future) Cancel() { f.cancel() }

// ExecuteAsync queues op on the worker pool. The returned Future completes
// with the same response Execute would have returned.
func (c *ModelController) ExecuteAsync(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
	control ops.TransactionControl, attachments ops.Attachments) (*Future, error) {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future{id: uuid.NewString(), done: make(chan struct{}), cancel: cancel}
	err := c.pool.submit(func() {
		defer cancel()
		defer close(f.done)
		if err := ctx.Err(); err != nil {
			f.resp = ops.Failed(ops.NewHandlerError("operation cancelled before it started", err), false)
			f.resp.Outcome = ops.OutcomeCancelled
			return
		}
		f.resp = c.Execute(ctx, op, handler, control, attachments)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return f, nil
}
