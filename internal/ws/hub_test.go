package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/splax/deployflow/internal/domain"
)

func event(deploymentID string, seq int64) domain.LogEvent {
	return domain.LogEvent{Seq: seq, DeploymentID: deploymentID, Line: "line", Timestamp: time.Unix(seq, 0).UTC()}
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub(8)
	sub := hub.Subscribe("d1")
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		hub.Publish(event("d1", i))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := int64(1); i <= 3; i++ {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, got.Seq)
		}
	}
}

func TestHubIsolatesDeployments(t *testing.T) {
	hub := NewHub(8)
	a := hub.Subscribe("a")
	defer a.Close()
	b := hub.Subscribe("b")
	defer b.Close()

	hub.Publish(event("a", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("subscriber b should receive nothing, got %v", err)
	}
	if got, err := a.Next(context.Background()); err != nil || got.DeploymentID != "a" {
		t.Fatalf("subscriber a: %+v %v", got, err)
	}
}

func TestSlowSubscriberDropsOldestWithoutAffectingOthers(t *testing.T) {
	hub := NewHub(4)
	slow := hub.Subscribe("d1")
	defer slow.Close()
	fast := hub.Subscribe("d1")
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	received := make([]int64, 0, 10)
	for i := int64(1); i <= 10; i++ {
		hub.Publish(event("d1", i))
		ev, err := fast.Next(ctx)
		if err != nil {
			t.Fatalf("fast next: %v", err)
		}
		received = append(received, ev.Seq)
	}

	if len(received) != 10 {
		t.Fatalf("fast subscriber expected 10 events, got %v", received)
	}
	if slow.Dropped() != 6 {
		t.Fatalf("expected 6 dropped events, got %d", slow.Dropped())
	}
	for want := int64(7); want <= 10; want++ {
		got, err := slow.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got.Seq != want {
			t.Fatalf("expected newest events to survive, want %d got %d", want, got.Seq)
		}
	}
}

func TestCloseRemovesTopic(t *testing.T) {
	hub := NewHub(2)
	sub := hub.Subscribe("d1")
	if hub.Subscribers("d1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if hub.Subscribers("d1") != 0 {
		t.Fatalf("expected topic to be removed")
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
	}
	hub.Publish(event("d1", 1))

	again := hub.Subscribe("d1")
	defer again.Close()
	hub.Publish(event("d1", 2))
	got, err := again.Next(context.Background())
	if err != nil || got.Seq != 2 {
		t.Fatalf("resubscribe: %+v %v", got, err)
	}
}

func TestConcurrentSubscribeAndClose(t *testing.T) {
	hub := NewHub(4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe("d1")
			sub.Close()
		}()
		go func(seq int64) {
			defer wg.Done()
			hub.Publish(event("d1", seq))
		}(int64(i))
	}
	wg.Wait()
	if n := hub.Subscribers("d1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
}

func (f flushRecorder) Flush() {}

func TestSSEClientFrames(t *testing.T) {
	rec := flushRecorder{httptest.NewRecorder()}
	client := NewSSEClient(rec, rec, "deployment-log", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Retry(2 * time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := client.Event("7", []byte(`{"log":"hi"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Event("", []byte("a\nb")); err != nil {
		t.Fatalf("send multiline: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "retry: 2000\n\n" +
		"id: 7\nevent: deployment-log\ndata: {\"log\":\"hi\"}\n\n" +
		"event: deployment-log\ndata: a\ndata: b\n\n" +
		": ping\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("unexpected frames %q", body)
	}
	client.Close()
	if err := client.Event("8", []byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("connection reset")
}

func (w *failingWriter) Flush() {}

func TestSSEClientWriteErrorIsSticky(t *testing.T) {
	w := &failingWriter{}
	client := NewSSEClient(w, w, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Event("1", []byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	if err := client.Heartbeat(); err == nil || err.Error() != "connection reset" {
		t.Fatalf("expected sticky error, got %v", err)
	}
	if w.writes != 1 {
		t.Fatalf("expected no write after failure, got %d writes", w.writes)
	}
}
