package github

import (
	"testing"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
)

func TestGrowthVelocity(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		prevStars int
		prevAt    time.Time
		curStars  int
		want      float64
	}{
		{"steady growth", 1000, now.AddDate(0, 0, -10), 1100, 10},
		{"no change", 500, now.AddDate(0, 0, -5), 500, 0},
		{"losing stars", 1000, now.AddDate(0, 0, -2), 990, -5},
		{"first observation", 0, time.Time{}, 1000, 0},
		{"too recent", 100, now.Add(-30 * time.Minute), 200, 0},
	}

	for _, tt := range tests {
		got := GrowthVelocity(tt.prevStars, tt.prevAt, tt.curStars, now)
		if got != tt.want {
			t.Errorf("%s: GrowthVelocity = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEngagementScore_Damped(t *testing.T) {
	small := &domain.Repo{Forks: 10, Watchers: 10, OpenIssues: 10}
	big := &domain.Repo{Forks: 10000, Watchers: 10000, OpenIssues: 10000}

	s, b := EngagementScore(small), EngagementScore(big)
	if s <= 0 || b <= s {
		t.Fatalf("scores should be positive and ordered: small=%v big=%v", s, b)
	}
	// Log damping: 1000x the counts must not mean 1000x the score.
	if b > s*10 {
		t.Errorf("damping too weak: small=%v big=%v", s, b)
	}
}

func TestSplitRepoID(t *testing.T) {
	if _, _, err := splitRepoID("ownerless"); err == nil {
		t.Error("expected error for id without a slash")
	}
	owner, name, err := splitRepoID("golang/go")
	if err != nil || owner != "golang" || name != "go" {
		t.Errorf("splitRepoID(golang/go) = %q, %q, %v", owner, name, err)
	}
}
