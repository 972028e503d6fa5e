// Package tiering computes tier assignments, scan priorities and scan
// cadences for catalog repos. Classification is pure: the same inputs under
// the same policy always produce the same tier.
package tiering

import (
	"math"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
)

// Policy selects how tiers are assigned.
type Policy string

const (
	// PolicyThreshold classifies each repo independently against fixed
	// star/growth cutoffs. Fallback for populations too small to rank.
	PolicyThreshold Policy = "threshold"

	// PolicyPercentile ranks the whole population by composite score and
	// splits 15/35/50. Needs a full-population pass, so it runs as a
	// periodic rebalance rather than per-repo.
	PolicyPercentile Policy = "percentile"
)

// Config holds tiering policy settings.
type Config struct {
	Policy Policy `yaml:"policy"`

	Tier1MinStars  int     `yaml:"tier1_min_stars"`
	Tier1MinGrowth float64 `yaml:"tier1_min_growth"`
	Tier2MinStars  int     `yaml:"tier2_min_stars"`
	Tier2MinGrowth float64 `yaml:"tier2_min_growth"`

	Tier1Cadence time.Duration `yaml:"tier1_cadence"`
	Tier2Cadence time.Duration `yaml:"tier2_cadence"`
	Tier3Cadence time.Duration `yaml:"tier3_cadence"`
}

// DefaultConfig returns the default tiering configuration. Percentile is the
// default policy; thresholds only apply when the policy is switched or the
// population is too small to rank.
func DefaultConfig() Config {
	return Config{
		Policy:         PolicyPercentile,
		Tier1MinStars:  5000,
		Tier1MinGrowth: 50,
		Tier2MinStars:  500,
		Tier2MinGrowth: 10,
		Tier1Cadence:   6 * time.Hour,
		Tier2Cadence:   24 * time.Hour,
		Tier3Cadence:   72 * time.Hour,
	}
}

// Assigner computes tiers, priorities and due timestamps.
type Assigner struct {
	cfg Config
}

// NewAssigner creates an Assigner, filling zero cadences from defaults so a
// partially specified config never produces a zero next-due interval.
func NewAssigner(cfg Config) *Assigner {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Tier1Cadence == 0 {
		cfg.Tier1Cadence = def.Tier1Cadence
	}
	if cfg.Tier2Cadence == 0 {
		cfg.Tier2Cadence = def.Tier2Cadence
	}
	if cfg.Tier3Cadence == 0 {
		cfg.Tier3Cadence = def.Tier3Cadence
	}
	return &Assigner{cfg: cfg}
}

// Classify assigns a tier from stars and growth velocity using the threshold
// policy. Percentile assignment is population-wide, see RankPercentile.
func (a *Assigner) Classify(stars int, growthVelocity float64) domain.Tier {
	switch {
	case stars >= a.cfg.Tier1MinStars && growthVelocity > a.cfg.Tier1MinGrowth:
		return domain.Tier1
	case stars >= a.cfg.Tier2MinStars || growthVelocity > a.cfg.Tier2MinGrowth:
		return domain.Tier2
	default:
		return domain.Tier3
	}
}

// Priority computes the integer urgency score used to order repos within a
// tier. Higher is more urgent.
func (a *Assigner) Priority(growthVelocity, engagementScore float64, stars int) int {
	score := growthVelocity*0.5 + engagementScore*0.3 + math.Log10(float64(stars)+1)*0.2
	return int(math.Round(score))
}

// NextDue returns now plus the tier's cadence. The result is always strictly
// after now because cadences are non-zero.
func (a *Assigner) NextDue(tier domain.Tier, now time.Time) time.Time {
	return now.Add(a.Cadence(tier))
}

// Cadence returns the rescan interval for a tier.
func (a *Assigner) Cadence(tier domain.Tier) time.Duration {
	switch tier {
	case domain.Tier1:
		return a.cfg.Tier1Cadence
	case domain.Tier2:
		return a.cfg.Tier2Cadence
	default:
		return a.cfg.Tier3Cadence
	}
}

// PolicyActive returns the configured policy.
func (a *Assigner) PolicyActive() Policy {
	return a.cfg.Policy
}
