package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/service/deploy"
	"github.com/splax/deployflow/internal/service/logs"
)

const (
	defaultMaxPending = 4096
	stopTimeout       = 10 * time.Second
)

// Dispatcher applies feed messages on per-deployment lanes. Messages for one
// deployment run in arrival order on a single goroutine; lanes never wait on
// each other. A lane's goroutine exits once its queue is empty.
type Dispatcher struct {
	handler *Handler
	slots   chan struct{}

	mu    sync.Mutex
	lanes map[string][]Message
	wg    sync.WaitGroup
}

// NewDispatcher bounds the messages queued across all lanes to maxPending.
func NewDispatcher(handler *Handler, maxPending int) *Dispatcher {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &Dispatcher{
		handler: handler,
		slots:   make(chan struct{}, maxPending),
		lanes:   make(map[string][]Message),
	}
}

// Dispatch queues msg on its deployment's lane. It blocks only while
// maxPending messages are already queued.
func (d *Dispatcher) Dispatch(msg Message) {
	d.slots <- struct{}{}
	d.mu.Lock()
	if queue, ok := d.lanes[msg.DeploymentID]; ok {
		d.lanes[msg.DeploymentID] = append(queue, msg)
		d.mu.Unlock()
		return
	}
	d.lanes[msg.DeploymentID] = nil
	d.wg.Add(1)
	d.mu.Unlock()
	go d.run(msg)
}

func (d *Dispatcher) run(msg Message) {
	defer d.wg.Done()
	id := msg.DeploymentID
	for {
		d.apply(msg)
		<-d.slots

		d.mu.Lock()
		queue := d.lanes[id]
		if len(queue) == 0 {
			delete(d.lanes, id)
			d.mu.Unlock()
			return
		}
		msg = queue[0]
		d.lanes[id] = queue[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) apply(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.handler.timeout)
	defer cancel()
	err := d.handler.Apply(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, logs.ErrEmptyLine), errors.Is(err, deploy.ErrInvalidStatus):
		d.handler.logger.Warn("feed message rejected", "deployment_id", msg.DeploymentID, "error", err)
	default:
		d.handler.logger.Error("feed message failed", "deployment_id", msg.DeploymentID, "error", err)
	}
}

// Wait blocks until every queued message has been applied or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
