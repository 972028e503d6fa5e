package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
)

// FetchRepo does a basic scan: one metadata read for the repo. Used for
// tier 2 and 3 refreshes.
func (c *Client) FetchRepo(ctx context.Context, repoID string) (*domain.Repo, error) {
	owner, name, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	if err := c.waitForToken(ctx, ratelimit.KeyCatalogRead); err != nil {
		return nil, err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", repoID, err)
	}
	return fromGitHub(r), nil
}

// FetchRepoDeep does a deep scan: metadata plus recent commit activity,
// folded into the engagement signal. Used for tier 1 refreshes.
func (c *Client) FetchRepoDeep(ctx context.Context, repoID string) (*domain.Repo, error) {
	repo, err := c.FetchRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	owner, name, _ := splitRepoID(repoID)
	if err := c.waitForToken(ctx, ratelimit.KeyCatalogRead); err != nil {
		return nil, err
	}

	activity, _, err := c.gh.Repositories.ListCommitActivity(ctx, owner, name)
	if err != nil {
		// Activity stats are best effort: GitHub returns 202 while it
		// computes them. The basic metadata is still a valid scan.
		return repo, nil
	}

	recentCommits := 0
	weeks := activity
	if len(weeks) > 4 {
		weeks = weeks[len(weeks)-4:]
	}
	for _, w := range weeks {
		recentCommits += w.GetTotal()
	}
	repo.EngagementScore = EngagementScore(repo) + commitActivityBonus(recentCommits)
	return repo, nil
}

func splitRepoID(repoID string) (owner, name string, err error) {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo id %q, want owner/name", repoID)
	}
	return parts[0], parts[1], nil
}
