package domain

import "time"

// PageVisit is emitted to the analytics sink for every routed request.
type PageVisit struct {
	ProjectID string    `json:"projectId"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}
