package domain

import "time"

// Repo is a catalog repository as observed at discovery or scan time.
// The catalog owns it; repopulse only reads it and derives metrics.
type Repo struct {
	ID              string `json:"id"` // "owner/name"
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	Stars           int    `json:"stars"`
	Forks           int    `json:"forks"`
	Watchers        int    `json:"watchers"`
	OpenIssues      int    `json:"open_issues"`
	GrowthVelocity  float64
	EngagementScore float64
	Archived        bool
	Fork            bool
	PushedAt        time.Time
	Description     string
	Language        string
}
