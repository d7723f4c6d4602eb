package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/service/deploy"
)

// Message is one executor feed record. A message with a status and no line
// is a lifecycle signal.
type Message struct {
	DeploymentID string    `json:"deploymentId"`
	Line         string    `json:"line"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Ingester appends executor lines.
type Ingester interface {
	Ingest(ctx context.Context, deploymentID, line string) (domain.LogEvent, error)
}

// StatusReporter applies executor lifecycle signals.
type StatusReporter interface {
	ReportStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) error
}

// Handler decodes feed messages and routes them to the log pipeline.
type Handler struct {
	ingester Ingester
	status   StatusReporter
	logger   *slog.Logger
	timeout  time.Duration
}

// NewHandler builds a Handler.
func NewHandler(ingester Ingester, status StatusReporter, logger *slog.Logger) *Handler {
	return &Handler{ingester: ingester, status: status, logger: logger.With("component", "feed"), timeout: 10 * time.Second}
}

// Handle processes one raw message. subject supplies the deployment id when
// the payload omits it.
func (h *Handler) Handle(ctx context.Context, subject string, data []byte) error {
	msg, err := h.Decode(subject, data)
	if err != nil {
		return err
	}
	return h.Apply(ctx, msg)
}

// Decode parses a raw message and resolves its deployment id.
func (h *Handler) Decode(subject string, data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("feed: decode message: %w", err)
	}
	if msg.DeploymentID == "" {
		if idx := strings.LastIndexByte(subject, '.'); idx >= 0 && idx < len(subject)-1 {
			msg.DeploymentID = subject[idx+1:]
		}
	}
	if msg.DeploymentID == "" {
		return Message{}, errors.New("feed: deploymentId required")
	}
	return msg, nil
}

// Apply ingests the message line and then applies its status signal.
func (h *Handler) Apply(ctx context.Context, msg Message) error {
	if msg.Line != "" {
		if _, err := h.ingester.Ingest(ctx, msg.DeploymentID, msg.Line); err != nil {
			return err
		}
	}
	if msg.Status != "" {
		status := domain.DeploymentStatus(strings.ToLower(msg.Status))
		err := h.status.ReportStatus(ctx, msg.DeploymentID, status, msg.Error)
		if err != nil && !errors.Is(err, deploy.ErrTerminal) {
			return err
		}
	}
	return nil
}

// Consumer subscribes a Handler to the executor subject.
type Consumer struct {
	conn     *nats.Conn
	subject  string
	handler  *Handler
	dispatch *Dispatcher
	sub      *nats.Subscription
}

// NewConsumer builds a Consumer for subject.
func NewConsumer(conn *nats.Conn, subject string, handler *Handler) *Consumer {
	return &Consumer{
		conn:     conn,
		subject:  subject,
		handler:  handler,
		dispatch: NewDispatcher(handler, defaultMaxPending),
	}
}

// Start subscribes. The callback only decodes and hands each message to its
// deployment's lane.
func (c *Consumer) Start() error {
	sub, err := c.conn.Subscribe(c.subject, func(m *nats.Msg) {
		msg, err := c.handler.Decode(m.Subject, m.Data)
		if err != nil {
			c.handler.logger.Warn("feed message rejected", "subject", m.Subject, "error", err)
			return
		}
		c.dispatch.Dispatch(msg)
	})
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	c.handler.logger.Info("executor feed subscribed", "subject", c.subject)
	return nil
}

// Stop drains the subscription and waits for queued messages to be applied.
func (c *Consumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	if err := c.sub.Drain(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for c.sub.IsValid() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("feed: drain subscription: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return c.dispatch.Wait(ctx)
}
