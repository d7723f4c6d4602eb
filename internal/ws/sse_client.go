package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEClient writes Server-Sent Events frames to a flushing response. The
// first failed write is sticky; every later call returns it.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  *slog.Logger
	event   string
	err     error
}

// NewSSEClient builds an SSE client instance. A non-empty event names every
// data frame it writes.
func NewSSEClient(w io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, event: event, logger: logger}
}

// Retry tells the browser how long to wait before reconnecting.
func (c *SSEClient) Retry(d time.Duration) error {
	return c.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

// Event writes one data frame. A non-empty id is echoed back by a
// reconnecting browser in the Last-Event-ID header.
func (c *SSEClient) Event(id string, payload []byte) error {
	var b strings.Builder
	if id != "" {
		b.WriteString("id: " + id + "\n")
	}
	if c.event != "" {
		b.WriteString("event: " + c.event + "\n")
	}
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteByte('\n')
	return c.write(b.String())
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

// Close makes every later write fail with io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = io.EOF
	}
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		c.err = err
		c.logger.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}
