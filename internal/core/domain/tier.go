package domain

import "time"

// Tier is the priority class of a repo: 1 = highest attention, 3 = lowest.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether t is one of the three supported tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// TierRecord is the persisted classification state for one repo. Created on
// first classification, updated on every scheduler pass that touches the
// repo, never deleted while the repo stays active in the catalog.
type TierRecord struct {
	RepoID          string     `db:"repo_id"          json:"repo_id"`
	Tier            Tier       `db:"tier"             json:"tier"`
	Stars           int        `db:"stars"            json:"stars"`
	GrowthVelocity  float64    `db:"growth_velocity"  json:"growth_velocity"`
	EngagementScore float64    `db:"engagement_score" json:"engagement_score"`
	ScanPriority    int        `db:"scan_priority"    json:"scan_priority"`
	LastDeepScan    *time.Time `db:"last_deep_scan"   json:"last_deep_scan,omitempty"`
	LastBasicScan   *time.Time `db:"last_basic_scan"  json:"last_basic_scan,omitempty"`
	NextScanDue     time.Time  `db:"next_scan_due"    json:"next_scan_due"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}
