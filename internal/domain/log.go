package domain

import "time"

// LogEvent is one immutable log line of a deployment. Seq is the 1-based
// ingestion position within the deployment.
type LogEvent struct {
	Seq          int64     `json:"seq"`
	DeploymentID string    `json:"deploymentId"`
	Timestamp    time.Time `json:"timestamp"`
	Line         string    `json:"log"`
}
