package tiering

import (
	"sort"

	"github.com/vietddude/repopulse/internal/core/domain"
)

// CompositeScore is the ranking key for the percentile policy.
func CompositeScore(stars int, growthVelocity float64) float64 {
	return float64(stars)*0.7 + growthVelocity*100
}

// RankPercentile reassigns tiers across the whole population in place:
// records are ranked by composite score descending, the top 15% become
// tier 1, the next 35% tier 2 (cumulative 50%), the rest tier 3. Ties are
// broken by repo id so the ranking is deterministic. Returns the number of
// records whose tier changed.
func RankPercentile(records []*domain.TierRecord) int {
	n := len(records)
	if n == 0 {
		return 0
	}

	ranked := make([]*domain.TierRecord, n)
	copy(ranked, records)
	sort.Slice(ranked, func(i, j int) bool {
		si := CompositeScore(ranked[i].Stars, ranked[i].GrowthVelocity)
		sj := CompositeScore(ranked[j].Stars, ranked[j].GrowthVelocity)
		if si != sj {
			return si > sj
		}
		return ranked[i].RepoID < ranked[j].RepoID
	})

	tier1Cut := ceilPercent(n, 15)
	tier2Cut := ceilPercent(n, 50)

	moved := 0
	for i, rec := range ranked {
		var tier domain.Tier
		switch {
		case i < tier1Cut:
			tier = domain.Tier1
		case i < tier2Cut:
			tier = domain.Tier2
		default:
			tier = domain.Tier3
		}
		if rec.Tier != tier {
			rec.Tier = tier
			moved++
		}
	}
	return moved
}

// ceilPercent computes ceil(n*pct/100) in integer arithmetic so the splits
// stay exact for every population size.
func ceilPercent(n, pct int) int {
	return (n*pct + 99) / 100
}
