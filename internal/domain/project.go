package domain

import "time"

// Project is a tenant deployable reachable by subdomain or custom domain.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SubDomain    string    `json:"subDomain"`
	CustomDomain string    `json:"customDomain,omitempty"`
	GitURL       string    `json:"gitURL"`
	CreatedAt    time.Time `json:"createdAt"`
}
