package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newFakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"queued","data":{"project":{"id":"p1","name":"acme","subDomain":"acme-1a2b3c","gitURL":"https://github.com/acme/site.git"}}}`))
	})
	mux.HandleFunc("/deploy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"queued","data":{"deploymentId":"d1"}}`))
	})
	mux.HandleFunc("/logs/d1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"logs":[{"seq":1,"deploymentId":"d1","timestamp":"2026-01-01T00:00:00Z","log":"npm install"},{"seq":2,"deploymentId":"d1","timestamp":"2026-01-01T00:00:01Z","log":"npm run build"}]}`))
	})
	mux.HandleFunc("/deployments/d2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","data":{"deployment":{"id":"d2","projectId":"p1","status":"failed","error":"exit status 1"}}}`))
	})
	mux.HandleFunc("/ws/logs", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if r.URL.Query().Get("deployment_id") == "d2" {
			_ = conn.WriteJSON(map[string]any{
				"event": "deployment-log",
				"data":  map[string]any{"seq": 1, "deploymentId": "d2", "timestamp": time.Now().UTC(), "log": "npm ERR! build failed"},
			})
			_, _, _ = conn.ReadMessage()
			return
		}
		for i, line := range []string{"building", "Done", liveMessage} {
			_ = conn.WriteJSON(map[string]any{
				"event": "deployment-log",
				"data":  map[string]any{"seq": i + 1, "deploymentId": "d1", "timestamp": time.Now().UTC(), "log": line},
			})
		}
		// Keep the socket open; the client stops on the live line.
		_, _, _ = conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestProjectCreateRequiresGit(t *testing.T) {
	srv := newFakeAPI(t)
	if _, err := run(t, "--api", srv.URL, "project", "create", "acme"); err == nil {
		t.Fatal("expected error without --git")
	}
}

func TestProjectCreate(t *testing.T) {
	srv := newFakeAPI(t)
	out, err := run(t, "--api", srv.URL, "project", "create", "acme", "--git", "https://github.com/acme/site.git")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "project created: p1 (acme) subdomain=acme-1a2b3c") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLogsPrintsHistory(t *testing.T) {
	srv := newFakeAPI(t)
	out, err := run(t, "--api", srv.URL, "logs", "d1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "npm install") || !strings.Contains(out, "npm run build") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDeployFollowStopsWhenLive(t *testing.T) {
	srv := newFakeAPI(t)
	out, err := run(t, "--api", srv.URL, "deploy", "p1", "--follow")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "deployment queued: d1") {
		t.Fatalf("missing queued line in %q", out)
	}
	if !strings.Contains(out, liveMessage) {
		t.Fatalf("missing live line in %q", out)
	}
}

func TestFollowStopsWhenDeploymentFails(t *testing.T) {
	interval := statusPollInterval
	statusPollInterval = 20 * time.Millisecond
	t.Cleanup(func() { statusPollInterval = interval })

	srv := newFakeAPI(t)
	start := time.Now()
	out, err := run(t, "--api", srv.URL, "follow", "d2")
	if err == nil || !strings.Contains(err.Error(), "deployment d2 failed: exit status 1") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("follow did not stop promptly on failure")
	}
	if !strings.Contains(out, "npm ERR! build failed") {
		t.Fatalf("missing streamed line in %q", out)
	}
}

func TestInvalidFormat(t *testing.T) {
	if _, err := run(t, "--format", "yaml", "logs", "d1"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestJSONFormat(t *testing.T) {
	srv := newFakeAPI(t)
	out, err := run(t, "--api", srv.URL, "--format", "json", "deploy", "p1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, `"deploymentId": "d1"`) {
		t.Fatalf("unexpected output %q", out)
	}
}
