package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

// Deployment lifecycle states.
const (
	DeploymentQueued  DeploymentStatus = "queued"
	DeploymentRunning DeploymentStatus = "running"
	DeploymentLive    DeploymentStatus = "live"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentLive || s == DeploymentFailed
}

// Deployment captures a single build/deploy attempt of a project.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Status    DeploymentStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// BuildJob is dispatched to the build executor when a deployment is triggered.
type BuildJob struct {
	DeploymentID string `json:"deploymentId"`
	ProjectID    string `json:"projectId"`
	GitURL       string `json:"gitURL"`
}
