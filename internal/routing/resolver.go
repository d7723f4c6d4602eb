// Package routing maps request hostnames to the project that owns them.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
)

var (
	// ErrNotFound indicates no project owns the hostname.
	ErrNotFound = errors.New("routing: no project for host")
	// ErrRegistryUnavailable indicates the project registry could not be queried.
	ErrRegistryUnavailable = errors.New("routing: registry unavailable")
)

// Match describes how a hostname was resolved.
type Match string

// Resolution sources.
const (
	MatchSubdomain    Match = "subdomain"
	MatchCustomDomain Match = "custom_domain"
	MatchCache        Match = "cache"
)

// RouteTarget is the origin a resolved request is proxied to. It is derived
// only from the project id.
type RouteTarget struct {
	ProjectID string
	URL       *url.URL
	Match     Match
}

// Cache stores hostname to project id mappings.
type Cache interface {
	Get(ctx context.Context, host string) (string, bool, error)
	Set(ctx context.Context, host, projectID string) error
}

// Resolver resolves hostnames against the project registry.
type Resolver struct {
	registry       repository.ProjectLookup
	platformSuffix string
	origin         *url.URL
	cache          Cache
	timeout        time.Duration
	logger         *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithCache enables a route cache in front of the registry.
func WithCache(cache Cache) Option {
	return func(r *Resolver) { r.cache = cache }
}

// WithLookupTimeout bounds each registry lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver builds a Resolver for hosts under platformDomain proxying to originBase.
func NewResolver(registry repository.ProjectLookup, platformDomain string, originBase *url.URL, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		registry:       registry,
		platformSuffix: "." + strings.Trim(strings.ToLower(platformDomain), "."),
		origin:         originBase,
		logger:         logger.With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the RouteTarget for hostname, ErrNotFound when no project
// owns it, or an error wrapping ErrRegistryUnavailable.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (RouteTarget, error) {
	ctx, span := otel.Tracer("deployflow/routing").Start(ctx, "Resolve")
	defer span.End()

	host := NormalizeHost(hostname)
	span.SetAttributes(attribute.String("http.host", host))
	if host == "" {
		return RouteTarget{}, ErrNotFound
	}

	if r.cache != nil {
		projectID, ok, err := r.cache.Get(ctx, host)
		if err != nil {
			r.logger.Warn("route cache read failed", "host", host, "error", err)
		} else if ok {
			return r.Target(projectID, MatchCache), nil
		}
	}

	project, match, err := r.lookup(ctx, host)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "registry lookup failed")
		}
		return RouteTarget{}, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, host, project.ID); err != nil {
			r.logger.Warn("route cache write failed", "host", host, "error", err)
		}
	}
	span.SetAttributes(attribute.String("project.id", project.ID), attribute.String("route.match", string(match)))
	return r.Target(project.ID, match), nil
}

func (r *Resolver) lookup(ctx context.Context, host string) (*domain.Project, Match, error) {
	if label, ok := r.SubdomainLabel(host); ok {
		project, err := r.find(ctx, func(ctx context.Context) (*domain.Project, error) {
			return r.registry.FindProjectBySubdomain(ctx, label)
		})
		if err == nil {
			return project, MatchSubdomain, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	project, err := r.find(ctx, func(ctx context.Context) (*domain.Project, error) {
		return r.registry.FindProjectByCustomDomain(ctx, host)
	})
	if err != nil {
		return nil, "", err
	}
	return project, MatchCustomDomain, nil
}

func (r *Resolver) find(ctx context.Context, fn func(context.Context) (*domain.Project, error)) (*domain.Project, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	project, err := fn(ctx)
	switch {
	case err == nil:
		return project, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
}

// SubdomainLabel extracts the label from <label>.<platform-domain>. Hosts with
// more than one label before the platform domain are not subdomain-routed.
func (r *Resolver) SubdomainLabel(host string) (string, bool) {
	if !strings.HasSuffix(host, r.platformSuffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, r.platformSuffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// Target builds the origin URL for a project id.
func (r *Resolver) Target(projectID string, match Match) RouteTarget {
	u := *r.origin
	u.Path = strings.TrimRight(r.origin.Path, "/") + "/" + projectID
	u.RawPath = strings.TrimRight(r.origin.EscapedPath(), "/") + "/" + url.PathEscape(projectID)
	return RouteTarget{ProjectID: projectID, URL: &u, Match: match}
}

// NormalizeHost lowercases a Host header value and strips port and trailing dot.
func NormalizeHost(hostport string) string {
	host := strings.TrimSpace(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
