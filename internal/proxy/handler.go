package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/routing"
)

// Resolver maps a Host header to a RouteTarget.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (routing.RouteTarget, error)
}

// VisitEmitter accepts page visits without blocking.
type VisitEmitter interface {
	Emit(visit domain.PageVisit) bool
}

// Handler is the edge entry point: resolve, record the visit, forward.
type Handler struct {
	resolver  Resolver
	forwarder *Forwarder
	visits    VisitEmitter
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler wires the edge request path. visits and metrics may be nil.
func NewHandler(resolver Resolver, forwarder *Forwarder, visits VisitEmitter, metrics *Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		resolver:  resolver,
		forwarder: forwarder,
		visits:    visits,
		metrics:   metrics,
		logger:    logger.With("component", "edge"),
		now:       time.Now,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	target, err := h.resolver.Resolve(req.Context(), req.Host)
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			h.metrics.observe(OutcomeNotFound, time.Since(start))
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		h.logger.Error("route resolution failed", "host", req.Host, "error", err)
		h.metrics.observe(OutcomeRegistryUnavailable, time.Since(start))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	if h.visits != nil {
		visit := domain.PageVisit{ProjectID: target.ProjectID, Path: req.URL.Path, Timestamp: h.now().UTC()}
		if !h.visits.Emit(visit) {
			h.metrics.visitDropped()
		}
	}

	if err := h.forwarder.Forward(w, req, target); err != nil {
		h.metrics.observe(OutcomeOriginError, time.Since(start))
		return
	}
	h.metrics.observe(OutcomeProxied, time.Since(start))
}
