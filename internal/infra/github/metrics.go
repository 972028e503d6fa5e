package github

import (
	"math"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
)

// GrowthVelocity derives stars gained per day between two observations.
// Observations closer than an hour apart extrapolate too noisily, so they
// report zero. Negative deltas (lost stars) are kept, they matter for
// demotion.
func GrowthVelocity(prevStars int, prevAt time.Time, curStars int, now time.Time) float64 {
	elapsed := now.Sub(prevAt)
	if prevAt.IsZero() || elapsed < time.Hour {
		return 0
	}
	days := elapsed.Hours() / 24
	return float64(curStars-prevStars) / days
}

// EngagementScore blends fork, watcher and issue counts into a log-damped
// score so mega-repos do not drown out everything else.
func EngagementScore(r *domain.Repo) float64 {
	raw := 0.4*float64(r.Forks) + 0.3*float64(r.Watchers) + 0.3*float64(r.OpenIssues)
	return 20 * math.Log10(1+raw)
}

func commitActivityBonus(recentCommits int) float64 {
	return 5 * math.Log10(1+float64(recentCommits))
}
