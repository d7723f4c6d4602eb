// Package analytics hands page-visit events to an analytics sink off the
// request path.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/deployflow/internal/domain"
)

// ErrEmitterClosed is returned by Close when the emitter is already closed.
var ErrEmitterClosed = errors.New("analytics: emitter closed")

// Sink delivers a batch of page visits to the analytics backend.
type Sink interface {
	Send(ctx context.Context, visits ...domain.PageVisit) error
	Close() error
}

// Options tunes the Emitter.
type Options struct {
	QueueSize    int
	Workers      int
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
	Metrics      *Metrics
}

// Emitter queues visits and delivers them from a fixed worker pool. A full
// queue drops the visit instead of blocking the caller.
type Emitter struct {
	sink   Sink
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan domain.PageVisit
	wg     sync.WaitGroup
}

// NewEmitter starts the worker pool.
func NewEmitter(sink Sink, opts Options, logger *slog.Logger) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "analytics"),
		queue:  make(chan domain.PageVisit, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit enqueues a visit. It never blocks; it reports false when the visit was dropped.
func (e *Emitter) Emit(visit domain.PageVisit) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.opts.Metrics.incDropped()
		return false
	}
	select {
	case e.queue <- visit:
		e.opts.Metrics.incEnqueued()
		return true
	default:
		e.opts.Metrics.incDropped()
		return false
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	batch := make([]domain.PageVisit, 0, e.opts.BatchSize)
	for visit := range e.queue {
		batch = append(batch[:0], visit)
		batch = e.fill(batch)
		e.deliver(batch)
	}
}

// fill takes whatever is already queued, up to BatchSize, without waiting.
func (e *Emitter) fill(batch []domain.PageVisit) []domain.PageVisit {
	for len(batch) < e.opts.BatchSize {
		select {
		case visit, ok := <-e.queue:
			if !ok {
				return batch
			}
			batch = append(batch, visit)
		default:
			return batch
		}
	}
	return batch
}

func (e *Emitter) deliver(batch []domain.PageVisit) {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
		err = e.sink.Send(ctx, batch...)
		cancel()
		if err == nil {
			e.opts.Metrics.addDelivered(len(batch))
			return
		}
		if attempt < e.opts.MaxAttempts && e.opts.RetryBackoff > 0 {
			time.Sleep(time.Duration(attempt) * e.opts.RetryBackoff)
		}
	}
	e.opts.Metrics.addFailed(len(batch))
	e.logger.Warn("page visit delivery failed", "visits", len(batch), "attempts", e.opts.MaxAttempts, "error", err)
}

// Close stops accepting visits and waits for queued ones to drain until ctx
// ends, then closes the sink.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEmitterClosed
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		e.logger.Warn("analytics drain interrupted", "pending", len(e.queue))
	}
	if closeErr := e.sink.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
