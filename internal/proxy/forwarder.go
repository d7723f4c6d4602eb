// Package proxy forwards resolved tenant requests to the artifact origin.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/splax/deployflow/internal/routing"
)

// IndexDocument is appended to root-path requests.
const IndexDocument = "index.html"

// ErrOriginUnreachable indicates the origin could not be reached or failed mid-response.
var ErrOriginUnreachable = errors.New("proxy: origin unreachable")

// Options tunes the upstream transport.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConns          int
}

// Forwarder streams requests to a RouteTarget without buffering bodies.
type Forwarder struct {
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

type forwardKey struct{}

type forwardState struct {
	target routing.RouteTarget
	err    error
}

// NewForwarder builds a Forwarder with its own upstream transport.
func NewForwarder(opts Options, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 256
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	f := &Forwarder{logger: logger.With("component", "forwarder")}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:       f.rewrite,
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  f.handleError,
	}
	return f
}

// Forward proxies req to target and reports ErrOriginUnreachable on
// transport failure. The response has been written either way.
func (f *Forwarder) Forward(w http.ResponseWriter, req *http.Request, target routing.RouteTarget) error {
	ctx, span := otel.Tracer("deployflow/proxy").Start(req.Context(), "Forward")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", target.ProjectID), attribute.String("http.path", req.URL.Path))

	state := &forwardState{target: target}
	ctx = context.WithValue(ctx, forwardKey{}, state)
	f.proxy.ServeHTTP(w, req.WithContext(ctx))
	if state.err != nil {
		span.RecordError(state.err)
		span.SetStatus(codes.Error, "origin unreachable")
		return state.err
	}
	return nil
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	state, _ := pr.In.Context().Value(forwardKey{}).(*forwardState)
	if state == nil || state.target.URL == nil {
		return
	}
	if pr.Out.URL.Path == "" || pr.Out.URL.Path == "/" {
		pr.Out.URL.Path = "/" + IndexDocument
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(state.target.URL)
	pr.SetXForwarded()
}

func (f *Forwarder) handleError(w http.ResponseWriter, req *http.Request, err error) {
	state, _ := req.Context().Value(forwardKey{}).(*forwardState)
	projectID := ""
	if state != nil {
		state.err = errors.Join(ErrOriginUnreachable, err)
		projectID = state.target.ProjectID
	}
	if errors.Is(err, context.Canceled) {
		// client went away; nothing useful to write
		f.logger.Debug("client canceled proxied request", "project_id", projectID, "path", req.URL.Path)
		return
	}
	f.logger.Error("origin request failed", "project_id", projectID, "path", req.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}
