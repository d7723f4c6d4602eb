package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/service/logs"
	"github.com/splax/deployflow/internal/ws"
)

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	stream, err := r.logs.Subscribe(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		stream.Close()
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	ctx, cancel := context.WithCancel(context.Background())

	// the client sends nothing meaningful; reading detects disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	go func() {
		defer func() {
			cancel()
			stream.Close()
			client.Close()
		}()
		r.pump(ctx, stream, client, logs.MarshalEvent)
	}()
}

// pump delivers history then live events until ctx ends or a send fails.
func (r *Router) pump(ctx context.Context, stream *logs.Stream, sub ws.Subscriber, encode func(domain.LogEvent) ([]byte, error)) {
	for _, event := range stream.History() {
		payload, err := encode(event)
		if err != nil {
			r.logger.Warn("failed to marshal log event", "error", err)
			continue
		}
		if err := sub.Send(payload); err != nil {
			return
		}
	}
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return
		}
		payload, err := encode(event)
		if err != nil {
			r.logger.Warn("failed to marshal log event", "error", err)
			continue
		}
		if err := sub.Send(payload); err != nil {
			return
		}
	}
}

// sseRetry is the reconnect delay advertised to browsers.
const sseRetry = 3 * time.Second

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/sse/logs/"), "/")
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// a reconnecting EventSource resumes after the last seq it saw
	resume, _ := strconv.ParseInt(req.Header.Get("Last-Event-ID"), 10, 64)
	stream, err := r.logs.Subscribe(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer stream.Close()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, logs.EventName, r.logger)
	defer client.Close()
	if err := client.Retry(sseRetry); err != nil {
		return
	}
	send := func(event domain.LogEvent) error {
		if event.Seq <= resume {
			return nil
		}
		payload, err := json.Marshal(event)
		if err != nil {
			r.logger.Warn("failed to marshal log event", "error", err)
			return nil
		}
		return client.Event(strconv.FormatInt(event.Seq, 10), payload)
	}
	for _, event := range stream.History() {
		if err := send(event); err != nil {
			return
		}
	}
	ctx := req.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, r.heartbeat)
		event, err := stream.Next(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if err := client.Heartbeat(); err != nil {
					return
				}
				continue
			}
			return
		}
		if err := send(event); err != nil {
			return
		}
	}
}
