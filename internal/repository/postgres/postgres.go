package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, sub_domain, custom_domain, git_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.SubDomain, emptyToNil(project.CustomDomain), project.GitURL, project.CreatedAt)
	return mapWriteError(err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, sub_domain, COALESCE(custom_domain, ''), git_url, created_at FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// FindProjectBySubdomain fetches the project owning an exact subdomain label.
func (r *Repository) FindProjectBySubdomain(ctx context.Context, label string) (*domain.Project, error) {
	const query = `SELECT id, name, sub_domain, COALESCE(custom_domain, ''), git_url, created_at FROM projects WHERE sub_domain = $1`
	return scanProject(r.pool.QueryRow(ctx, query, label))
}

// FindProjectByCustomDomain fetches the project owning an exact custom domain.
func (r *Repository) FindProjectByCustomDomain(ctx context.Context, host string) (*domain.Project, error) {
	const query = `SELECT id, name, sub_domain, COALESCE(custom_domain, ''), git_url, created_at FROM projects WHERE custom_domain = $1`
	return scanProject(r.pool.QueryRow(ctx, query, host))
}

// UpdateCustomDomain sets or clears a project's custom domain.
func (r *Repository) UpdateCustomDomain(ctx context.Context, projectID, customDomain string) error {
	const query = `UPDATE projects SET custom_domain = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, emptyToNil(customDomain))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.SubDomain, &p.CustomDomain, &p.GitURL, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateDeployment records a new deployment.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.ProjectID, string(deployment.Status), emptyToNil(deployment.Error), deployment.CreatedAt, deployment.UpdatedAt)
	return mapWriteError(err)
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, COALESCE(error, ''), created_at, updated_at FROM deployments WHERE id = $1`
	var d domain.Deployment
	var status string
	if err := r.pool.QueryRow(ctx, query, deploymentID).Scan(&d.ID, &d.ProjectID, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, status, COALESCE(error, ''), created_at, updated_at
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		var status string
		if err := rows.Scan(&d.ID, &d.ProjectID, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DeploymentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// TransitionDeployment updates status unless the deployment is already terminal.
func (r *Repository) TransitionDeployment(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) (bool, error) {
	const query = `UPDATE deployments SET status = $2, error = COALESCE($3, error), updated_at = $4
		WHERE id = $1 AND status NOT IN ('live', 'failed') AND status <> $2`
	tag, err := r.pool.Exec(ctx, query, deploymentID, string(status), emptyToNil(reason), time.Now().UTC())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetDeploymentByID(ctx, deploymentID); err != nil {
		return false, err
	}
	return false, nil
}

// AppendLog persists one log event.
func (r *Repository) AppendLog(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO deployment_logs (deployment_id, seq, line, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, event.DeploymentID, event.Seq, event.Line, event.Timestamp)
	return mapWriteError(err)
}

// ListLogs returns log events after afterSeq ordered by sequence.
func (r *Repository) ListLogs(ctx context.Context, deploymentID string, afterSeq int64) ([]domain.LogEvent, error) {
	const query = `SELECT deployment_id, seq, line, created_at FROM deployment_logs
		WHERE deployment_id = $1 AND seq > $2 ORDER BY seq ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.LogEvent
	for rows.Next() {
		var ev domain.LogEvent
		if err := rows.Scan(&ev.DeploymentID, &ev.Seq, &ev.Line, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastLog returns the highest-sequence event of a deployment.
func (r *Repository) LastLog(ctx context.Context, deploymentID string) (*domain.LogEvent, error) {
	const query = `SELECT deployment_id, seq, line, created_at FROM deployment_logs
		WHERE deployment_id = $1 ORDER BY seq DESC LIMIT 1`
	var ev domain.LogEvent
	if err := r.pool.QueryRow(ctx, query, deploymentID).Scan(&ev.DeploymentID, &ev.Seq, &ev.Line, &ev.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
