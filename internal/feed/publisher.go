package feed

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/splax/deployflow/internal/domain"
)

// JobPublisher dispatches build jobs to the executor over NATS.
type JobPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewJobPublisher builds a JobPublisher for subject.
func NewJobPublisher(conn *nats.Conn, subject string) *JobPublisher {
	return &JobPublisher{conn: conn, subject: subject}
}

// PublishJob sends job and flushes so dispatch failures surface to the caller.
func (p *JobPublisher) PublishJob(ctx context.Context, job domain.BuildJob) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("feed: nats not connected")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return err
	}
	return p.conn.FlushWithContext(ctx)
}
