package repository

import (
	"context"

	"github.com/splax/deployflow/internal/domain"
)

// ProjectLookup is the read-only registry surface used for host routing.
type ProjectLookup interface {
	FindProjectBySubdomain(ctx context.Context, label string) (*domain.Project, error)
	FindProjectByCustomDomain(ctx context.Context, host string) (*domain.Project, error)
}

// ProjectRepository persists project registrations.
type ProjectRepository interface {
	ProjectLookup
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateCustomDomain(ctx context.Context, projectID, customDomain string) error
}

// DeploymentRepository stores deployment lifecycle state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// TransitionDeployment moves a non-terminal deployment to status and
	// reports whether a transition happened.
	TransitionDeployment(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) (bool, error)
}

// LogRepository is the durable, append-only per-deployment log store.
type LogRepository interface {
	AppendLog(ctx context.Context, event domain.LogEvent) error
	// ListLogs returns events with Seq greater than afterSeq in Seq order.
	ListLogs(ctx context.Context, deploymentID string, afterSeq int64) ([]domain.LogEvent, error)
	// LastLog returns the most recent event, or ErrNotFound when none exist.
	LastLog(ctx context.Context, deploymentID string) (*domain.LogEvent, error)
}
