package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/repository/memory"
)

func newTestService(repo repository.ProjectRepository) Service {
	svc := New(repo, "deployflow.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"My Site":          "my-site",
		"  Hello__World!!": "hello-world",
		"---":              "",
		"Über App":         "ber-app",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
	long := Slug(strings.Repeat("a", 100))
	if len(long) != 63 {
		t.Fatalf("expected label capped at 63, got %d", len(long))
	}
}

func TestCreateDerivesSubdomain(t *testing.T) {
	svc := newTestService(memory.New())
	project, err := svc.Create(context.Background(), CreateInput{Name: "Acme Site", GitURL: "https://github.com/acme/site"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.SubDomain != "acme-site" {
		t.Fatalf("unexpected subdomain %q", project.SubDomain)
	}
	if project.ID == "" || project.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", project)
	}
}

func TestCreateAppendsSuffixOnCollision(t *testing.T) {
	svc := newTestService(memory.New())
	suffixes := []string{"aaaaaa", "bbbbbb"}
	svc.suffix = func() string {
		s := suffixes[0]
		suffixes = suffixes[1:]
		return s
	}
	ctx := context.Background()
	first, err := svc.Create(ctx, CreateInput{Name: "acme", GitURL: "https://github.com/a/b"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.Create(ctx, CreateInput{Name: "acme", GitURL: "https://github.com/a/c"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.SubDomain != "acme" || second.SubDomain != "acme-aaaaaa" {
		t.Fatalf("unexpected subdomains %q %q", first.SubDomain, second.SubDomain)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()
	cases := []CreateInput{
		{Name: "", GitURL: "https://github.com/a/b"},
		{Name: "ok", GitURL: "not a url"},
		{Name: "ok", GitURL: "https://github.com/a/b", CustomDomain: "shop.deployflow.com"},
		{Name: "ok", GitURL: "https://github.com/a/b", CustomDomain: "bad_domain!"},
	}
	for _, input := range cases {
		_, err := svc.Create(ctx, input)
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%+v: expected validation error, got %v", input, err)
		}
	}
}

func TestCreateRejectsTakenCustomDomain(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()
	if _, err := svc.Create(ctx, CreateInput{Name: "one", GitURL: "https://github.com/a/b", CustomDomain: "www.example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Create(ctx, CreateInput{Name: "two", GitURL: "https://github.com/a/b", CustomDomain: "WWW.example.com"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSetCustomDomain(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	ctx := context.Background()
	project, err := svc.Create(ctx, CreateInput{Name: "site", GitURL: "git@github.com:a/b.git"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := svc.SetCustomDomain(ctx, project.ID, "Shop.Example.com.")
	if err != nil {
		t.Fatalf("set domain: %v", err)
	}
	if updated.CustomDomain != "shop.example.com" {
		t.Fatalf("unexpected domain %q", updated.CustomDomain)
	}
	found, err := repo.FindProjectByCustomDomain(ctx, "shop.example.com")
	if err != nil || found.ID != project.ID {
		t.Fatalf("lookup by domain: %+v %v", found, err)
	}
	cleared, err := svc.SetCustomDomain(ctx, project.ID, "")
	if err != nil {
		t.Fatalf("clear domain: %v", err)
	}
	if cleared.CustomDomain != "" {
		t.Fatalf("expected cleared domain, got %q", cleared.CustomDomain)
	}
	if _, err := svc.SetCustomDomain(ctx, "missing", "x.example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
