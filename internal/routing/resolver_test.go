package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/repository/memory"
)

func newTestResolver(t *testing.T, registry repository.ProjectLookup, opts ...Option) *Resolver {
	t.Helper()
	origin, err := url.Parse("https://bucket.s3.amazonaws.com/__outputs/")
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return NewResolver(registry, "platform.com", origin, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func seededRegistry(t *testing.T) *memory.Repository {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	projects := []domain.Project{
		{ID: "p1", SubDomain: "acme"},
		{ID: "p2", SubDomain: "globex", CustomDomain: "www.globex.io"},
		{ID: "p3", SubDomain: "initech", CustomDomain: "shop.platform.com"},
	}
	for i := range projects {
		if err := repo.CreateProject(ctx, &projects[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return repo
}

func TestResolveSubdomain(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target, err := r.Resolve(context.Background(), "acme.platform.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ProjectID != "p1" || target.Match != MatchSubdomain {
		t.Fatalf("unexpected target %+v", target)
	}
	if got := target.URL.String(); got != "https://bucket.s3.amazonaws.com/__outputs/p1" {
		t.Fatalf("unexpected target url %q", got)
	}
}

func TestResolveNormalizesHost(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target, err := r.Resolve(context.Background(), "ACME.Platform.com.:8443")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ProjectID != "p1" {
		t.Fatalf("expected p1, got %s", target.ProjectID)
	}
}

func TestResolveCustomDomain(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target, err := r.Resolve(context.Background(), "www.globex.io")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ProjectID != "p2" || target.Match != MatchCustomDomain {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestResolveFallsBackToCustomDomainOnSubdomainMiss(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target, err := r.Resolve(context.Background(), "shop.platform.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ProjectID != "p3" || target.Match != MatchCustomDomain {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	for _, host := range []string{"unknown.platform.com", "platform.com", "a.acme.platform.com", "example.org", ""} {
		if _, err := r.Resolve(context.Background(), host); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", host, err)
		}
	}
}

type failingRegistry struct{}

func (failingRegistry) FindProjectBySubdomain(context.Context, string) (*domain.Project, error) {
	return nil, errors.New("connection refused")
}

func (failingRegistry) FindProjectByCustomDomain(context.Context, string) (*domain.Project, error) {
	return nil, errors.New("connection refused")
}

func TestResolveRegistryUnavailable(t *testing.T) {
	r := newTestResolver(t, failingRegistry{})
	_, err := r.Resolve(context.Background(), "acme.platform.com")
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestTargetIgnoresHostInput(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target := r.Target("../evil", MatchSubdomain)
	if target.URL.Host != "bucket.s3.amazonaws.com" {
		t.Fatalf("target host must come from configured origin, got %q", target.URL.Host)
	}
	if got := target.URL.EscapedPath(); got != "/__outputs/..%2Fevil" {
		t.Fatalf("expected escaped project segment, got %q", got)
	}
	if got := target.URL.String(); got != "https://bucket.s3.amazonaws.com/__outputs/..%2Fevil" {
		t.Fatalf("unexpected target url %q", got)
	}
}

func TestTargetJoinsOriginPathOnce(t *testing.T) {
	r := newTestResolver(t, seededRegistry(t))
	target := r.Target("p1", MatchCustomDomain)
	if got := target.URL.String(); got != "https://bucket.s3.amazonaws.com/__outputs/p1" {
		t.Fatalf("unexpected target url %q", got)
	}
	if target.URL.Path != "/__outputs/p1" {
		t.Fatalf("unexpected target path %q", target.URL.Path)
	}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]string
	sets    int
}

func (c *mapCache) Get(_ context.Context, host string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[host]
	return id, ok, nil
}

func (c *mapCache) Set(_ context.Context, host, projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = projectID
	c.sets++
	return nil
}

type countingRegistry struct {
	repository.ProjectLookup
	mu    sync.Mutex
	calls int
}

func (c *countingRegistry) FindProjectBySubdomain(ctx context.Context, label string) (*domain.Project, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.ProjectLookup.FindProjectBySubdomain(ctx, label)
}

func TestResolveUsesCacheForPositiveResults(t *testing.T) {
	registry := &countingRegistry{ProjectLookup: seededRegistry(t)}
	cache := &mapCache{entries: map[string]string{}}
	r := newTestResolver(t, registry, WithCache(cache))

	for i := 0; i < 3; i++ {
		target, err := r.Resolve(context.Background(), "acme.platform.com")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if target.ProjectID != "p1" {
			t.Fatalf("expected p1, got %s", target.ProjectID)
		}
	}
	if registry.calls != 1 {
		t.Fatalf("expected one registry call, got %d", registry.calls)
	}
	if _, err := r.Resolve(context.Background(), "unknown.platform.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("negative results must not be cached, sets=%d", cache.sets)
	}
}
