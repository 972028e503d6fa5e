// Package github is the catalog client: repo discovery and per-repo scan
// reads against the GitHub API, gated by the shared rate limiter.
package github

import (
	"context"
	"net/http"
	"time"

	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"

	"github.com/vietddude/repopulse/internal/infra/ratelimit"
)

// Config holds catalog access settings.
type Config struct {
	Token    string   `yaml:"token"`
	Orgs     []string `yaml:"orgs"`
	Queries  []string `yaml:"queries"`
	MaxRepos int      `yaml:"max_repos"`
	MinStars int      `yaml:"min_stars"`
}

// Client wraps the GitHub API for discovery and scanning.
type Client struct {
	gh      *github.Client
	limiter *ratelimit.Limiter
	cfg     Config
}

// NewClient creates a catalog client. An empty token falls back to
// unauthenticated access (useful for tests against small fixtures).
func NewClient(cfg Config, limiter *ratelimit.Limiter) *Client {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	if cfg.MaxRepos <= 0 {
		cfg.MaxRepos = 500
	}
	if len(cfg.Queries) == 0 && len(cfg.Orgs) == 0 {
		cfg.Queries = []string{"stars:>500 pushed:>2026-01-01"}
	}
	return &Client{
		gh:      github.NewClient(httpClient),
		limiter: limiter,
		cfg:     cfg,
	}
}

// waitForToken blocks until the limiter admits a call for key, or the
// context is done. Discovery and scans outside the budget-boxed scheduler
// defer instead of skipping.
func (c *Client) waitForToken(ctx context.Context, key string) error {
	for {
		if c.limiter.CheckLimit(key) {
			return nil
		}
		timer := time.NewTimer(c.limiter.WaitTime(key))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
