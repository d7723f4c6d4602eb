// Package memory provides in-process implementations of the repository
// interfaces, used for development mode and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
)

// Repository keeps projects, deployments and logs in memory.
type Repository struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	subdomains  map[string]string
	domains     map[string]string
	deployments map[string]domain.Deployment

	logMu sync.Mutex
	logs  map[string]*logList
}

type logList struct {
	mu     sync.RWMutex
	events []domain.LogEvent
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[string]domain.Project),
		subdomains:  make(map[string]string),
		domains:     make(map[string]string),
		deployments: make(map[string]domain.Deployment),
		logs:        make(map[string]*logList),
	}
}

// CreateProject registers a project, enforcing subdomain and domain uniqueness.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := r.subdomains[project.SubDomain]; ok {
		return repository.ErrConflict
	}
	if project.CustomDomain != "" {
		if _, ok := r.domains[project.CustomDomain]; ok {
			return repository.ErrConflict
		}
		r.domains[project.CustomDomain] = project.ID
	}
	r.projects[project.ID] = *project
	r.subdomains[project.SubDomain] = project.ID
	return nil
}

// GetProjectByID returns a project by id.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// FindProjectBySubdomain returns the project owning label.
func (r *Repository) FindProjectBySubdomain(ctx context.Context, label string) (*domain.Project, error) {
	r.mu.RLock()
	id, ok := r.subdomains[label]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetProjectByID(ctx, id)
}

// FindProjectByCustomDomain returns the project owning host.
func (r *Repository) FindProjectByCustomDomain(ctx context.Context, host string) (*domain.Project, error) {
	r.mu.RLock()
	id, ok := r.domains[host]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetProjectByID(ctx, id)
}

// UpdateCustomDomain sets or clears a custom domain.
func (r *Repository) UpdateCustomDomain(_ context.Context, projectID, customDomain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	if customDomain != "" {
		if owner, taken := r.domains[customDomain]; taken && owner != projectID {
			return repository.ErrConflict
		}
	}
	if p.CustomDomain != "" {
		delete(r.domains, p.CustomDomain)
	}
	p.CustomDomain = customDomain
	if customDomain != "" {
		r.domains[customDomain] = projectID
	}
	r.projects[projectID] = p
	return nil
}

// CreateDeployment records a deployment.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	r.deployments[deployment.ID] = *deployment
	return nil
}

// GetDeploymentByID returns a deployment.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByProject returns deployments newest first.
func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionDeployment updates a non-terminal deployment.
func (r *Repository) TransitionDeployment(_ context.Context, deploymentID string, status domain.DeploymentStatus, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if d.Status.Terminal() || d.Status == status {
		return false, nil
	}
	d.Status = status
	if reason != "" {
		d.Error = reason
	}
	d.UpdatedAt = time.Now().UTC()
	r.deployments[deploymentID] = d
	return true, nil
}

func (r *Repository) logList(deploymentID string) *logList {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	l, ok := r.logs[deploymentID]
	if !ok {
		l = &logList{}
		r.logs[deploymentID] = l
	}
	return l
}

// AppendLog appends an event; sequence numbers must be unique per deployment.
func (r *Repository) AppendLog(_ context.Context, event domain.LogEvent) error {
	l := r.logList(event.DeploymentID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 && l.events[n-1].Seq >= event.Seq {
		return repository.ErrConflict
	}
	l.events = append(l.events, event)
	return nil
}

// ListLogs returns a copy of the events after afterSeq.
func (r *Repository) ListLogs(_ context.Context, deploymentID string, afterSeq int64) ([]domain.LogEvent, error) {
	l := r.logList(deploymentID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq > afterSeq })
	return append([]domain.LogEvent(nil), l.events[idx:]...), nil
}

// LastLog returns the latest event.
func (r *Repository) LastLog(_ context.Context, deploymentID string) (*domain.LogEvent, error) {
	l := r.logList(deploymentID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return nil, repository.ErrNotFound
	}
	ev := l.events[len(l.events)-1]
	return &ev, nil
}
