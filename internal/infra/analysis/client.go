// Package analysis wraps the external AI analysis call: one slow,
// rate-limited request per repo, plus the failure taxonomy for everything
// that can go wrong with it.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vietddude/repopulse/internal/core/domain"
)

// Config holds analysis service settings.
type Config struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Result is the structured outcome of analyzing one repo.
type Result struct {
	RepoID       string   `json:"repo_id"`
	Score        float64  `json:"score"`
	Summary      string   `json:"summary"`
	Highlights   []string `json:"highlights,omitempty"`
	Model        string   `json:"model"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
}

// Analyzer performs the external analysis call for one repo.
type Analyzer interface {
	Analyze(ctx context.Context, repo *domain.Repo) (*Result, error)
}

// Client is the Anthropic-backed Analyzer.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

// NewClient creates an analysis client. Model and token limits fall back to
// conservative defaults when unset.
func NewClient(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 2048
	}
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		maxTokens: maxTokens,
		log:       slog.Default().With("component", "analysis"),
	}
}

// Analyze runs one analysis call. The caller owns timeout and retry; this
// method makes exactly one attempt and returns the raw failure for
// classification.
func (c *Client) Analyze(ctx context.Context, repo *domain.Repo) (*Result, error) {
	if repo.Description == "" && repo.Language == "" {
		return nil, fmt.Errorf("repo %s: %w", repo.ID, ErrMissingInput)
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(repo))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis call for %s: %w", repo.ID, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result, err := parseResult(text.String())
	if err != nil {
		return nil, fmt.Errorf("analysis response for %s: %w", repo.ID, err)
	}
	result.RepoID = repo.ID
	result.Model = c.model
	result.InputTokens = resp.Usage.InputTokens
	result.OutputTokens = resp.Usage.OutputTokens

	c.log.Debug("analysis completed",
		"repo", repo.ID,
		"score", result.Score,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", time.Since(start))
	return result, nil
}

func buildPrompt(repo *domain.Repo) string {
	return fmt.Sprintf(`You are evaluating an open-source repository for technical significance.

Repository: %s
Language: %s
Stars: %d (growth velocity %.1f/day)
Forks: %d, Watchers: %d, Open issues: %d
Description: %s

Respond with JSON only, no prose:
{"score": <0.0-10.0>, "summary": "<one paragraph>", "highlights": ["<notable aspect>", ...]}`,
		repo.ID, repo.Language, repo.Stars, repo.GrowthVelocity,
		repo.Forks, repo.Watchers, repo.OpenIssues, repo.Description)
}

// parseResult decodes the model's JSON reply, tolerating markdown fences
// around the payload.
func parseResult(text string) (*Result, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var result Result
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	return &result, nil
}
