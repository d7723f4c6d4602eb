package httpx

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository/memory"
	"github.com/splax/deployflow/internal/service/deploy"
	"github.com/splax/deployflow/internal/service/logs"
	"github.com/splax/deployflow/internal/service/project"
	"github.com/splax/deployflow/internal/ws"
)

const testBuilderToken = "builder-secret"

type testEnv struct {
	router *Router
	repo   *memory.Repository
	logs   *logs.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	logSvc := logs.New(repo, repo, ws.NewHub(64), logs.NewDetector("Done"), logger)
	projectSvc := project.New(repo, "deployflow.com", logger)
	deploySvc := deploy.New(repo, repo, nil, logSvc, logger)
	router := NewRouter(logger, projectSvc, deploySvc, logSvc, Config{
		BuilderToken: testBuilderToken,
		Heartbeat:    50 * time.Millisecond,
		Registry:     prometheus.NewRegistry(),
	})
	t.Cleanup(router.Close)
	return &testEnv{router: router, repo: repo, logs: logSvc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createDeployment(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/projects", map[string]string{"name": "Acme", "gitURL": "https://github.com/acme/site"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Data struct {
			Project domain.Project `json:"project"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if created.Data.Project.SubDomain != "acme" {
		t.Fatalf("unexpected subdomain %q", created.Data.Project.SubDomain)
	}

	rec = e.do(t, http.MethodPost, "/deploy", map[string]string{"projectId": created.Data.Project.ID}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deploy: %d %s", rec.Code, rec.Body.String())
	}
	var queued struct {
		Status string `json:"status"`
		Data   struct {
			DeploymentID string `json:"deploymentId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &queued); err != nil {
		t.Fatalf("decode deploy: %v", err)
	}
	if queued.Status != "queued" || queued.Data.DeploymentID == "" {
		t.Fatalf("unexpected deploy response %s", rec.Body.String())
	}
	return queued.Data.DeploymentID
}

func (e *testEnv) ingest(t *testing.T, deploymentID, line string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/logs/"+deploymentID, map[string]string{"log": line}, map[string]string{"X-Builder-Token": testBuilderToken})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest %q: %d %s", line, rec.Code, rec.Body.String())
	}
}

type historyResponse struct {
	Logs []domain.LogEvent `json:"logs"`
}

func TestLogIngestAndHistory(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)

	for _, line := range []string{"Cloning...", "Building...", "Done"} {
		env.ingest(t, deploymentID, line)
	}

	rec := env.do(t, http.MethodGet, "/logs/"+deploymentID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	var history historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Logs) != 4 || history.Logs[3].Line != logs.LiveMessage {
		t.Fatalf("unexpected history %+v", history.Logs)
	}
	if history.Logs[0].DeploymentID != deploymentID {
		t.Fatalf("expected deploymentId on events")
	}

	rec = env.do(t, http.MethodGet, "/deployments/"+deploymentID, nil, nil)
	if !strings.Contains(rec.Body.String(), `"status":"live"`) {
		t.Fatalf("expected live deployment, got %s", rec.Body.String())
	}
}

func TestLogIngestRequiresBuilderToken(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)

	rec := env.do(t, http.MethodPost, "/logs/"+deploymentID, map[string]string{"log": "x"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/logs/"+deploymentID, map[string]string{"log": "x"}, map[string]string{"X-Builder-Token": "wrong-secret!"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/logs/"+deploymentID, map[string]string{"log": "  "}, map[string]string{"X-Builder-Token": testBuilderToken})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty line, got %d", rec.Code)
	}
}

func TestHistoryUnknownDeployment(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/logs/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHistoryIsGzipped(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)
	for i := 0; i < 40; i++ {
		env.ingest(t, deploymentID, fmt.Sprintf("step %02d: compiling module with a reasonably long log line", i))
	}
	rec := env.do(t, http.MethodGet, "/logs/"+deploymentID, nil, map[string]string{"Accept-Encoding": "gzip"})
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers=%v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var history historyResponse
	if err := json.NewDecoder(zr).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Logs) != 40 {
		t.Fatalf("expected 40 events, got %d", len(history.Logs))
	}
}

func TestStatusFailedSealsDeployment(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)
	headers := map[string]string{"X-Builder-Token": testBuilderToken}

	rec := env.do(t, http.MethodPost, "/deployments/"+deploymentID+"/status", map[string]string{"status": "failed", "error": "npm ERR!"}, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	env.ingest(t, deploymentID, "Done")

	got, err := env.repo.GetDeploymentByID(context.Background(), deploymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.DeploymentFailed {
		t.Fatalf("failed deployment must stay failed, got %s", got.Status)
	}
	rec = env.do(t, http.MethodPost, "/deployments/"+deploymentID+"/status", map[string]string{"status": "live"}, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for live status, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/deployments/"+deploymentID+"/status", map[string]string{"status": "failed"}, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal deployment, got %d", rec.Code)
	}
}

func TestProjectValidationAndDomain(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/projects", map[string]string{"name": "", "gitURL": "https://github.com/a/b"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/projects", map[string]string{"name": "shop", "gitURL": "https://github.com/a/b"}, nil)
	var created struct {
		Data struct {
			Project domain.Project `json:"project"`
		} `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := created.Data.Project.ID

	rec = env.do(t, http.MethodPut, "/projects/"+id+"/domain", map[string]string{"customDomain": "shop.deployflow.com"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for platform domain, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/projects/"+id+"/domain", map[string]string{"customDomain": "www.shop.io"}, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "www.shop.io") {
		t.Fatalf("set domain: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/projects/"+id+"/deployments", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deployments":[]`) {
		t.Fatalf("list deployments: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/projects/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebsocketDeliversHistoryThenLive(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)
	env.ingest(t, deploymentID, "Cloning...")
	env.ingest(t, deploymentID, "Building...")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs?deployment_id=" + deploymentID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readEnvelope := func() logs.Envelope {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame logs.Envelope
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		return frame
	}
	for _, want := range []string{"Cloning...", "Building..."} {
		got := readEnvelope()
		if got.Event != logs.EventName || got.Data.Line != want {
			t.Fatalf("expected %q, got %+v", want, got)
		}
	}

	env.ingest(t, deploymentID, "Done")
	for _, want := range []string{"Done", logs.LiveMessage} {
		got := readEnvelope()
		if got.Data.Line != want {
			t.Fatalf("expected live %q, got %+v", want, got)
		}
	}
}

func TestWebsocketRequiresDeployment(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/ws/logs", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/ws/logs?deployment_id=missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSSEStreamsHistoryAndHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)
	env.ingest(t, deploymentID, "Cloning...")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/logs/"+deploymentID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData, sawPing bool
	for !(sawEvent && sawData && sawPing) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case line == "event: "+logs.EventName+"\n":
			sawEvent = true
		case strings.HasPrefix(line, "data: ") && strings.Contains(line, "Cloning..."):
			sawData = true
		case line == ": ping\n":
			sawPing = true
		}
	}
}

func TestSSEResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	deploymentID := env.createDeployment(t)
	for _, line := range []string{"Cloning...", "Installing...", "Building..."} {
		env.ingest(t, deploymentID, line)
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/logs/"+deploymentID, nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var ids []string
	var lines []string
	for len(lines) < 1 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		case strings.HasPrefix(line, "data: "):
			lines = append(lines, line)
		}
	}
	if len(ids) != 1 || ids[0] != "3" || !strings.Contains(lines[0], "Building...") {
		t.Fatalf("expected to resume at seq 3, got ids %v data %v", ids, lines)
	}
}

func TestMemoryRateLimiter(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:1.2.3.4", 3, time.Minute).allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	decision := rl.Allow("ip:1.2.3.4", 3, time.Minute)
	if decision.allowed {
		t.Fatalf("fourth request should be limited")
	}
	if decision.count != 3 {
		t.Fatalf("expected count 3, got %d", decision.count)
	}
	if !rl.Allow("ip:5.6.7.8", 3, time.Minute).allowed {
		t.Fatalf("other keys are independent")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "deployflow_logstream_http_requests_total") {
		t.Fatalf("metrics missing request counter: %s", rec.Body.String())
	}
}
