// Package worker runs long-lived background operations (inquiry, connect,
// listen, read loops) on a bounded set of goroutines that are always
// cancellable.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit bounds concurrent tasks when no limit is configured.
const DefaultLimit = 4

var (
	// ErrSaturated is returned when every slot is busy.
	ErrSaturated = errors.New("worker: pool saturated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker: pool closed")
)

// Pool bounds the number of concurrently running tasks. Each task receives a
// context that is cancelled when either the caller's context or the pool is
// done.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger

	mu     sync.Mutex // orders admission against Close
	closed bool
}

// New creates a Pool running at most limit tasks at once.
func New(limit int, log *zap.Logger) *Pool {
	if limit < 1 {
		limit = DefaultLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(limit)),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Go starts fn on its own goroutine. It never waits for a free slot.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return ErrSaturated
	}
	p.wg.Add(1)
	p.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer stop()
		defer cancel()

		p.log.Debug("worker: task started", zap.String("task", name))
		fn(taskCtx)
		p.log.Debug("worker: task finished", zap.String("task", name))
	}()
	return nil
}

// Close cancels every running task and waits for them to return.
// Later calls to Go fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
