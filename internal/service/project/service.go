package project

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/routing"
)

const (
	maxLabelLength  = 63
	maxSlugAttempts = 5
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name         string
	GitURL       string
	CustomDomain string
}

// ValidationError reports invalid caller input.
type ValidationError struct{ msg string }

func (e ValidationError) Error() string { return e.msg }

var (
	errInvalidProjectName = ValidationError{"project name is required"}
	errInvalidGitURL      = ValidationError{"gitURL must be an http(s) or git URL"}
	errPlatformDomain     = ValidationError{"custom domain may not be under the platform domain"}
	errInvalidDomain      = ValidationError{"custom domain is not a valid hostname"}
	errMissingProjectID   = ValidationError{"project id required"}

	// ErrSubdomainExhausted is returned when no free subdomain could be derived.
	ErrSubdomainExhausted = errors.New("project: could not allocate a unique subdomain")

	nonLabel   = regexp.MustCompile(`[^a-z0-9-]+`)
	hostnameRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)
)

// Service manages the project registry.
type Service struct {
	projects       repository.ProjectRepository
	platformDomain string
	logger         *slog.Logger
	suffix         func() string
}

// New returns a project service.
func New(projects repository.ProjectRepository, platformDomain string, logger *slog.Logger) Service {
	return Service{
		projects:       projects,
		platformDomain: strings.Trim(strings.ToLower(platformDomain), "."),
		logger:         logger,
		suffix:         func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:6] },
	}
}

// Create registers a project with a subdomain derived from its name.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	base := Slug(name)
	if base == "" {
		return nil, errInvalidProjectName
	}
	gitURL := strings.TrimSpace(input.GitURL)
	if !validGitURL(gitURL) {
		return nil, errInvalidGitURL
	}
	customDomain, err := s.normalizeDomain(input.CustomDomain)
	if err != nil {
		return nil, err
	}

	label := base
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		project := &domain.Project{
			ID:           uuid.NewString(),
			Name:         name,
			SubDomain:    label,
			CustomDomain: customDomain,
			GitURL:       gitURL,
			CreatedAt:    time.Now().UTC(),
		}
		err := s.projects.CreateProject(ctx, project)
		if err == nil {
			s.logger.Info("project created", "project_id", project.ID, "sub_domain", project.SubDomain)
			return project, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		if customDomain != "" {
			if _, lookupErr := s.projects.FindProjectByCustomDomain(ctx, customDomain); lookupErr == nil {
				return nil, repository.ErrConflict
			}
		}
		label = withSuffix(base, s.suffix())
	}
	return nil, ErrSubdomainExhausted
}

// Get returns a project by id.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// SetCustomDomain sets or, with an empty domain, clears the project's custom domain.
func (s Service) SetCustomDomain(ctx context.Context, projectID, customDomain string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	normalized, err := s.normalizeDomain(customDomain)
	if err != nil {
		return nil, err
	}
	if err := s.projects.UpdateCustomDomain(ctx, projectID, normalized); err != nil {
		return nil, err
	}
	s.logger.Info("custom domain updated", "project_id", projectID, "custom_domain", normalized)
	return s.projects.GetProjectByID(ctx, projectID)
}

func (s Service) normalizeDomain(raw string) (string, error) {
	host := routing.NormalizeHost(raw)
	if host == "" {
		return "", nil
	}
	if !hostnameRe.MatchString(host) {
		return "", errInvalidDomain
	}
	if host == s.platformDomain || strings.HasSuffix(host, "."+s.platformDomain) {
		return "", errPlatformDomain
	}
	return host, nil
}

// Slug converts a project name to a DNS label.
func Slug(name string) string {
	label := nonLabel.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	label = strings.Trim(label, "-")
	if len(label) > maxLabelLength {
		label = strings.TrimRight(label[:maxLabelLength], "-")
	}
	return label
}

func withSuffix(base, suffix string) string {
	limit := maxLabelLength - len(suffix) - 1
	if len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func validGitURL(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "git@") {
		return strings.Contains(raw, ":")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
		return true
	}
	return false
}
