package github

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
)

// Discover finds candidate repos from the configured search queries and
// orgs. Archived repos and forks are filtered out before they ever reach
// classification. Results are deduped by full name.
func (c *Client) Discover(ctx context.Context) ([]*domain.Repo, error) {
	var (
		mu    sync.Mutex
		found = make(map[string]*domain.Repo)
	)

	collect := func(repos []*domain.Repo) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range repos {
			if len(found) >= c.cfg.MaxRepos {
				return
			}
			if _, ok := found[r.ID]; !ok {
				found[r.ID] = r
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, query := range c.cfg.Queries {
		g.Go(func() error {
			repos, err := c.searchRepos(gctx, query)
			if err != nil {
				return fmt.Errorf("search %q: %w", query, err)
			}
			collect(repos)
			return nil
		})
	}
	for _, org := range c.cfg.Orgs {
		g.Go(func() error {
			repos, err := c.listOrgRepos(gctx, org)
			if err != nil {
				return fmt.Errorf("list org %s: %w", org, err)
			}
			collect(repos)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	repos := make([]*domain.Repo, 0, len(found))
	for _, r := range found {
		repos = append(repos, r)
	}
	slog.Info("discovery finished", "candidates", len(repos))
	return repos, nil
}

func (c *Client) searchRepos(ctx context.Context, query string) ([]*domain.Repo, error) {
	if c.cfg.MinStars > 0 {
		query = fmt.Sprintf("%s stars:>=%d", query, c.cfg.MinStars)
	}

	var repos []*domain.Repo
	opts := &github.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := c.waitForToken(ctx, ratelimit.KeyCatalogSearch); err != nil {
			return nil, err
		}

		var (
			result *github.RepositoriesSearchResult
			resp   *github.Response
		)
		err := c.withTransientRetry(ctx, func(ctx context.Context) error {
			var err error
			result, resp, err = c.gh.Search.Repositories(ctx, query, opts)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range result.Repositories {
			if r.GetArchived() || r.GetFork() {
				continue
			}
			repos = append(repos, fromGitHub(r))
			if len(repos) >= c.cfg.MaxRepos {
				return repos, nil
			}
		}
		if resp.NextPage == 0 {
			return repos, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) listOrgRepos(ctx context.Context, org string) ([]*domain.Repo, error) {
	var repos []*domain.Repo
	opts := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := c.waitForToken(ctx, ratelimit.KeyCatalogRead); err != nil {
			return nil, err
		}

		var (
			page []*github.Repository
			resp *github.Response
		)
		err := c.withTransientRetry(ctx, func(ctx context.Context) error {
			var err error
			page, resp, err = c.gh.Repositories.ListByOrg(ctx, org, opts)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range page {
			if r.GetArchived() || r.GetFork() {
				continue
			}
			if c.cfg.MinStars > 0 && r.GetStargazersCount() < c.cfg.MinStars {
				continue
			}
			repos = append(repos, fromGitHub(r))
			if len(repos) >= c.cfg.MaxRepos {
				return repos, nil
			}
		}
		if resp.NextPage == 0 {
			return repos, nil
		}
		opts.Page = resp.NextPage
	}
}

// withTransientRetry retries a page fetch a few times with exponential
// backoff. Only 5xx and network-ish failures are retried; 4xx surface
// immediately.
func (c *Client) withTransientRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if resp, ok := err.(*github.ErrorResponse); ok {
			code := resp.Response.StatusCode
			if code >= 400 && code < 500 && code != 429 {
				return err
			}
		}
		return retry.RetryableError(err)
	})
}

func fromGitHub(r *github.Repository) *domain.Repo {
	watchers := r.GetSubscribersCount()
	if watchers == 0 {
		// List/search payloads omit subscribers; watchers_count mirrors
		// stargazers there, so fall back to it as an upper bound.
		watchers = r.GetWatchersCount()
	}
	return &domain.Repo{
		ID:          r.GetFullName(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		Stars:       r.GetStargazersCount(),
		Forks:       r.GetForksCount(),
		Watchers:    watchers,
		OpenIssues:  r.GetOpenIssuesCount(),
		Archived:    r.GetArchived(),
		Fork:        r.GetFork(),
		PushedAt:    r.GetPushedAt().Time,
		Description: r.GetDescription(),
		Language:    r.GetLanguage(),
	}
}
