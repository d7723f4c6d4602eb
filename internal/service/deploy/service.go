package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
)

var (
	// ErrInvalidStatus rejects executor status reports other than running or failed.
	ErrInvalidStatus = errors.New("deploy: status must be running or failed")
	// ErrTerminal indicates the deployment already reached live or failed.
	ErrTerminal = errors.New("deploy: deployment already finished")
	// ErrDispatchFailed indicates the build job could not be handed to the executor.
	ErrDispatchFailed = errors.New("deploy: build job dispatch failed")
	errMissingID      = errors.New("deploy: id required")
)

// JobPublisher hands build jobs to the executor.
type JobPublisher interface {
	PublishJob(ctx context.Context, job domain.BuildJob) error
}

// Sealer records a failure under the deployment's ingest lock, closing its
// completion window in the same step.
type Sealer interface {
	Fail(ctx context.Context, deploymentID string, persist func(context.Context) (bool, error)) (bool, error)
}

// Service manages the deployment lifecycle outside log-driven completion.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	jobs        JobPublisher
	sealer      Sealer
	logger      *slog.Logger
}

// New returns a deployment service. jobs may be nil when no executor is wired.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, jobs JobPublisher, sealer Sealer, logger *slog.Logger) Service {
	return Service{projects: projects, deployments: deployments, jobs: jobs, sealer: sealer, logger: logger}
}

// Trigger records a queued deployment and dispatches its build job.
func (s Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingID
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.DeploymentQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	if s.jobs != nil {
		job := domain.BuildJob{DeploymentID: deployment.ID, ProjectID: project.ID, GitURL: project.GitURL}
		if err := s.jobs.PublishJob(ctx, job); err != nil {
			s.logger.Error("build job dispatch failed", "deployment_id", deployment.ID, "error", err)
			if failErr := s.Fail(ctx, deployment.ID, "build job dispatch failed"); failErr != nil {
				s.logger.Error("mark deployment failed", "deployment_id", deployment.ID, "error", failErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID)
	return deployment, nil
}

// Get returns a deployment.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return nil, errMissingID
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// ReportStatus applies an executor status report.
func (s Service) ReportStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) error {
	switch status {
	case domain.DeploymentFailed:
		return s.Fail(ctx, deploymentID, reason)
	case domain.DeploymentRunning:
		if _, err := s.deployments.TransitionDeployment(ctx, deploymentID, domain.DeploymentRunning, ""); err != nil {
			return err
		}
		return nil
	default:
		return ErrInvalidStatus
	}
}

// Fail marks the deployment failed and prevents a later completion.
func (s Service) Fail(ctx context.Context, deploymentID, reason string) error {
	persist := func(ctx context.Context) (bool, error) {
		return s.deployments.TransitionDeployment(ctx, deploymentID, domain.DeploymentFailed, reason)
	}
	var (
		changed bool
		err     error
	)
	if s.sealer != nil {
		changed, err = s.sealer.Fail(ctx, deploymentID, persist)
	} else {
		changed, err = persist(ctx)
	}
	if err != nil {
		return err
	}
	if !changed {
		return ErrTerminal
	}
	s.logger.Warn("deployment failed", "deployment_id", deploymentID, "reason", reason)
	return nil
}
