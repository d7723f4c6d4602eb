package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/service/deploy"
	"github.com/splax/deployflow/internal/service/logs"
	"github.com/splax/deployflow/internal/service/project"
)

// Config carries the router's optional collaborators.
type Config struct {
	BuilderToken string
	Limiter      RateLimiter
	DBHealth     func(context.Context) error
	Heartbeat    time.Duration
	Registry     *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	project      project.Service
	deploy       deploy.Service
	logs         *logs.Service
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	dbHealth     func(context.Context) error
	heartbeat    time.Duration
	registry     *prometheus.Registry
	metrics      *routerMetrics
	history      http.Handler
}

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitUserWrite    = 60
	rateLimitUserRead     = 240
	rateLimitWebsocket    = 30
	rateLimitBuilderWrite = 1200
	healthCheckTimeout    = 2 * time.Second
	defaultHeartbeat      = 15 * time.Second
	deploymentListLimit   = 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc project.Service, deploySvc deploy.Service, logSvc *logs.Service, cfg Config) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		project: projectSvc,
		deploy:  deploySvc,
		logs:    logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      cfg.Limiter,
		builderToken: strings.TrimSpace(cfg.BuilderToken),
		dbHealth:     cfg.DBHealth,
		heartbeat:    cfg.Heartbeat,
		registry:     cfg.Registry,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	if r.registry != nil {
		r.metrics = newRouterMetrics(r.registry)
	}
	r.history = gzhttp.GzipHandler(http.HandlerFunc(r.handleLogHistory))
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	if r.registry != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}
	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.withRateLimit("/projects/{id}", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.withRateLimit("/deploy", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleDeploy)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handleDeployments))
	r.mux.HandleFunc("/logs/", r.audit("/logs/{id}", r.handleLogs))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.withRateLimit("/ws/logs", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleLogsWS)))
	r.mux.HandleFunc("/sse/logs/", r.audit("/sse/logs/{id}", r.withRateLimit("/sse/logs/{id}", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleLogsSSE)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name         string `json:"name"`
		GitURL       string `json:"gitURL"`
		CustomDomain string `json:"customDomain"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.project.Create(req.Context(), project.CreateInput{
		Name:         payload.Name,
		GitURL:       payload.GitURL,
		CustomDomain: payload.CustomDomain,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "queued",
		"data":   map[string]any{"project": created},
	})
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		found, err := r.project.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"project": found}})
		return
	}
	switch parts[1] {
	case "domain":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			CustomDomain string `json:"customDomain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.project.SetCustomDomain(req.Context(), projectID, payload.CustomDomain)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"project": updated}})
	case "deployments":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		if _, err := r.project.Get(req.Context(), projectID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 || limit > 100 {
			limit = deploymentListLimit
		}
		deployments, err := r.deploy.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if deployments == nil {
			deployments = []domain.Deployment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deployments": deployments}})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	deployment, err := r.deploy.Trigger(req.Context(), payload.ProjectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"data":   map[string]any{"deploymentId": deployment.ID},
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploy.Get(req.Context(), deploymentID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deployment": deployment}})
		return
	}
	if parts[1] != "status" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var payload struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := domain.DeploymentStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if err := r.deploy.ReportStatus(req.Context(), deploymentID, status, payload.Error); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/logs/"), "/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit("/logs/{id}", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.history.ServeHTTP)(w, req)
	case http.MethodPost:
		if !r.verifyBuilderToken(w, req) {
			return
		}
		r.withRateLimit("/logs/{id}", rateLimitBuilderWrite, rateWindowDefault, func(*http.Request) string {
			return "builder:" + deploymentID
		}, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogIngest(w, req, deploymentID)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogHistory(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/logs/"), "/")
	events, err := r.logs.History(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": events})
}

func (r *Router) handleLogIngest(w http.ResponseWriter, req *http.Request, deploymentID string) {
	var payload struct {
		Log       string `json:"log"`
		Line      string `json:"line"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	line := payload.Log
	if line == "" {
		line = payload.Line
	}
	if payload.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp format")
			return
		}
	}
	event, err := r.logs.Ingest(req.Context(), deploymentID, line)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"data": event})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		if req.Header.Get("X-Builder-Token") != "" {
			actor = "builder"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil && sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyBuilderToken ensures executor calls include the configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("builder_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
