// Package logs owns deployment log ingestion, completion detection and the
// history-plus-live subscription view.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/ws"
)

// EventName labels log events on streaming transports.
const EventName = "deployment-log"

var (
	// ErrEmptyLine rejects blank log lines.
	ErrEmptyLine = errors.New("logs: empty line")
	// ErrNotFound indicates the deployment does not exist.
	ErrNotFound = repository.ErrNotFound
)

// Service appends log events, detects completion and serves subscribers.
type Service struct {
	store       repository.LogRepository
	deployments repository.DeploymentRepository
	hub         *ws.Hub
	detector    Detector
	clock       func() time.Time
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer

	streams sync.Map // deploymentID -> *stream
}

// stream is the ingest-side state of one deployment. mu serialises appends
// and terminal transitions. A retired stream has been removed from the map and
// must be looked up again.
type stream struct {
	mu       sync.Mutex
	loaded   bool
	retired  bool
	status   domain.DeploymentStatus
	lastSeq  int64
	lastTS   time.Time
	done     completion
	owesLive bool
}

// Option customises the Service.
type Option func(*Service)

// WithClock overrides the ingestion clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a log service.
func New(store repository.LogRepository, deployments repository.DeploymentRepository, hub *ws.Hub, detector Detector, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:       store,
		deployments: deployments,
		hub:         hub,
		detector:    detector,
		clock:       time.Now,
		logger:      logger.With("component", "logs"),
		tracer:      otel.Tracer("deployflow/logs"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) stream(deploymentID string) *stream {
	v, _ := s.streams.LoadOrStore(deploymentID, &stream{})
	return v.(*stream)
}

// lock returns the deployment's live stream with its mutex held.
func (s *Service) lock(deploymentID string) *stream {
	for {
		st := s.stream(deploymentID)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

// retireIfSettled drops the in-memory state of a deployment that can no
// longer change. Caller holds st.mu.
func (s *Service) retireIfSettled(deploymentID string, st *stream) {
	if !st.status.Terminal() || !st.done.completed() || st.owesLive {
		return
	}
	st.retired = true
	s.streams.CompareAndDelete(deploymentID, st)
}

// load restores ingest state from the store and deployment record. Caller holds st.mu.
func (s *Service) load(ctx context.Context, st *stream, deploymentID string) error {
	if st.loaded {
		return nil
	}
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	last, err := s.store.LastLog(ctx, deploymentID)
	switch {
	case err == nil:
		st.lastSeq = last.Seq
		st.lastTS = last.Timestamp
		if last.Line == LiveMessage {
			st.done.seal()
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return fmt.Errorf("logs: restore state: %w", err)
	}
	st.status = deployment.Status
	if deployment.Status.Terminal() {
		st.done.seal()
	}
	st.loaded = true
	return nil
}

// Ingest stamps line with the ingestion clock, persists it and publishes it
// to live subscribers. The first line carrying the completion marker moves
// the deployment to live and appends one synthesized live event.
func (s *Service) Ingest(ctx context.Context, deploymentID, line string) (domain.LogEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return domain.LogEvent{}, ErrEmptyLine
	}
	ctx, span := s.tracer.Start(ctx, "Ingest", trace.WithAttributes(attribute.String("deployment.id", deploymentID)))
	defer span.End()

	st := s.lock(deploymentID)
	defer st.mu.Unlock()
	if err := s.load(ctx, st, deploymentID); err != nil {
		span.RecordError(err)
		return domain.LogEvent{}, err
	}
	defer s.retireIfSettled(deploymentID, st)

	if st.owesLive {
		if err := s.appendLive(ctx, st, deploymentID); err != nil {
			span.RecordError(err)
			return domain.LogEvent{}, err
		}
	}

	event, err := s.appendLocked(ctx, st, deploymentID, line)
	if err != nil {
		span.RecordError(err)
		return domain.LogEvent{}, err
	}

	if st.status == domain.DeploymentQueued {
		s.transition(ctx, st, deploymentID, domain.DeploymentRunning)
	}

	if s.detector.Matches(line) && st.done.complete() {
		if err := s.complete(ctx, st, deploymentID); err != nil {
			span.RecordError(err)
			return event, err
		}
	}
	return event, nil
}

// complete persists the live transition and then appends the live event.
// Caller holds st.mu and has won the completion flag.
func (s *Service) complete(ctx context.Context, st *stream, deploymentID string) error {
	changed, err := s.deployments.TransitionDeployment(ctx, deploymentID, domain.DeploymentLive, "")
	if err != nil {
		st.done.revert()
		return fmt.Errorf("logs: mark live: %w", err)
	}
	if !changed {
		// Already terminal elsewhere; a failed deployment never goes live.
		s.refresh(ctx, st, deploymentID)
		return nil
	}
	st.status = domain.DeploymentLive
	s.metrics.incCompletions()
	s.logger.Info("deployment live", "deployment_id", deploymentID)
	st.owesLive = true
	return s.appendLive(ctx, st, deploymentID)
}

func (s *Service) appendLive(ctx context.Context, st *stream, deploymentID string) error {
	if _, err := s.appendLocked(ctx, st, deploymentID, LiveMessage); err != nil {
		return fmt.Errorf("logs: synthesize completion: %w", err)
	}
	st.owesLive = false
	return nil
}

func (s *Service) appendLocked(ctx context.Context, st *stream, deploymentID, line string) (domain.LogEvent, error) {
	ts := s.clock().UTC()
	if ts.Before(st.lastTS) {
		ts = st.lastTS
	}
	event := domain.LogEvent{
		Seq:          st.lastSeq + 1,
		DeploymentID: deploymentID,
		Timestamp:    ts,
		Line:         line,
	}
	if err := s.store.AppendLog(ctx, event); err != nil {
		return domain.LogEvent{}, fmt.Errorf("logs: append: %w", err)
	}
	st.lastSeq = event.Seq
	st.lastTS = event.Timestamp
	s.hub.Publish(event)
	s.metrics.incIngested()
	return event, nil
}

func (s *Service) transition(ctx context.Context, st *stream, deploymentID string, status domain.DeploymentStatus) {
	changed, err := s.deployments.TransitionDeployment(ctx, deploymentID, status, "")
	if err != nil {
		s.logger.Error("deployment transition failed", "deployment_id", deploymentID, "status", status, "error", err)
		return
	}
	if !changed {
		s.refresh(ctx, st, deploymentID)
		return
	}
	st.status = status
}

// refresh reloads the stored status after a refused transition. Caller holds st.mu.
func (s *Service) refresh(ctx context.Context, st *stream, deploymentID string) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		s.logger.Error("deployment reload failed", "deployment_id", deploymentID, "error", err)
		return
	}
	st.status = deployment.Status
	if st.status.Terminal() {
		st.done.seal()
	}
}

// Fail runs persist, which records the deployment as failed, under the
// deployment's ingest lock. When persist reports a change the completion
// detector is sealed, so no later marker can take the deployment live.
func (s *Service) Fail(ctx context.Context, deploymentID string, persist func(context.Context) (bool, error)) (bool, error) {
	st := s.lock(deploymentID)
	defer st.mu.Unlock()
	changed, err := persist(ctx)
	if err != nil || !changed {
		return changed, err
	}
	st.status = domain.DeploymentFailed
	st.done.seal()
	st.owesLive = false
	st.retired = true
	s.streams.CompareAndDelete(deploymentID, st)
	return true, nil
}

// History returns every stored event for the deployment ordered by timestamp,
// ingestion order breaking ties.
func (s *Service) History(ctx context.Context, deploymentID string) ([]domain.LogEvent, error) {
	if _, err := s.deployments.GetDeploymentByID(ctx, deploymentID); err != nil {
		return nil, err
	}
	return s.history(ctx, deploymentID, 0)
}

func (s *Service) history(ctx context.Context, deploymentID string, afterSeq int64) ([]domain.LogEvent, error) {
	events, err := s.store.ListLogs(ctx, deploymentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("logs: list: %w", err)
	}
	slices.SortStableFunc(events, func(a, b domain.LogEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return events, nil
}

// Subscribe attaches to the live feed and then snapshots history, so every
// event is either in History or delivered by Next.
func (s *Service) Subscribe(ctx context.Context, deploymentID string) (*Stream, error) {
	ctx, span := s.tracer.Start(ctx, "Subscribe", trace.WithAttributes(attribute.String("deployment.id", deploymentID)))
	defer span.End()

	if _, err := s.deployments.GetDeploymentByID(ctx, deploymentID); err != nil {
		return nil, err
	}
	sub := s.hub.Subscribe(deploymentID)
	history, err := s.history(ctx, deploymentID, 0)
	if err != nil {
		sub.Close()
		span.RecordError(err)
		return nil, err
	}
	st := &Stream{svc: s, sub: sub, history: history}
	if n := len(history); n > 0 {
		st.last = history[n-1].Seq
	}
	s.metrics.subscriberDelta(1)
	return st, nil
}

// Stream is one subscriber's view: a history snapshot followed by live events.
type Stream struct {
	svc     *Service
	sub     *ws.Subscription
	history []domain.LogEvent
	pending []domain.LogEvent
	last    int64
	joined  bool
	once    sync.Once
}

// History returns the snapshot taken at subscribe time.
func (st *Stream) History() []domain.LogEvent { return st.history }

// Next returns the next live event after the history snapshot. Events already
// delivered are skipped by sequence. A gap at the join boundary is backfilled
// from the store once; later gaps are events dropped for a slow consumer.
func (st *Stream) Next(ctx context.Context) (domain.LogEvent, error) {
	for {
		if len(st.pending) > 0 {
			event := st.pending[0]
			st.pending = st.pending[1:]
			if event.Seq <= st.last {
				continue
			}
			st.last = event.Seq
			return event, nil
		}
		event, err := st.sub.Next(ctx)
		if err != nil {
			return domain.LogEvent{}, err
		}
		if event.Seq <= st.last {
			continue
		}
		if !st.joined {
			st.joined = true
			if event.Seq > st.last+1 {
				missing, err := st.svc.history(ctx, st.sub.DeploymentID(), st.last)
				if err != nil {
					return domain.LogEvent{}, err
				}
				st.pending = append(missing, event)
				continue
			}
		}
		st.last = event.Seq
		return event, nil
	}
}

// Dropped reports live events lost because the consumer fell behind.
func (st *Stream) Dropped() int64 { return st.sub.Dropped() }

// Close releases the live subscription. The durable log is unaffected.
func (st *Stream) Close() {
	st.once.Do(func() {
		st.svc.metrics.addDropped(st.sub.Dropped())
		st.svc.metrics.subscriberDelta(-1)
		st.sub.Close()
	})
}

// Envelope is the streaming frame for one event.
type Envelope struct {
	Event string          `json:"event"`
	Data  domain.LogEvent `json:"data"`
}

// MarshalEvent encodes event for websocket delivery.
func MarshalEvent(event domain.LogEvent) ([]byte, error) {
	return json.Marshal(Envelope{Event: EventName, Data: event})
}
