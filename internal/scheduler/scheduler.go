// Package scheduler runs the time-boxed scan pass: select due repos per
// tier, refresh their metrics through the catalog, reclassify and reschedule
// them. Each pass does bounded work and returns; unfinished due repos stay
// due and are picked up by the next pass.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/core/tiering"
	"github.com/vietddude/repopulse/internal/infra/github"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	"github.com/vietddude/repopulse/internal/infra/storage"
	"github.com/vietddude/repopulse/internal/metrics"
)

// Scanner reads one repo's current state from the catalog. Satisfied by
// github.Client; tests plug in fakes.
type Scanner interface {
	FetchRepo(ctx context.Context, repoID string) (*domain.Repo, error)
	FetchRepoDeep(ctx context.Context, repoID string) (*domain.Repo, error)
}

// Config holds scheduler pass settings.
type Config struct {
	// Budget is the wall-clock limit for one pass. The execution
	// environment reclaims compute, so a pass must return within it.
	Budget time.Duration `yaml:"budget"`

	Tier1BatchSize int `yaml:"tier1_batch_size"`
	Tier2BatchSize int `yaml:"tier2_batch_size"`
	Tier3BatchSize int `yaml:"tier3_batch_size"`
}

// DefaultConfig returns the default pass limits.
func DefaultConfig() Config {
	return Config{
		Budget:         45 * time.Second,
		Tier1BatchSize: 10,
		Tier2BatchSize: 20,
		Tier3BatchSize: 30,
	}
}

// PassResult reports what one invocation accomplished.
type PassResult struct {
	Processed map[domain.Tier]int `json:"processed"`
	Skipped   int                 `json:"skipped"` // rate-limited, still due
	Errors    int                 `json:"errors"`  // per-repo failures, still due
	Elapsed   time.Duration       `json:"elapsed"`
}

// Scheduler selects and processes due tier records within a budget.
type Scheduler struct {
	cfg      Config
	tiers    storage.TierRepository
	scanner  Scanner
	assigner *tiering.Assigner
	limiter  *ratelimit.Limiter
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler. Zero config fields fall back to defaults.
func New(
	cfg Config,
	tiers storage.TierRepository,
	scanner Scanner,
	assigner *tiering.Assigner,
	limiter *ratelimit.Limiter,
) *Scheduler {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Tier1BatchSize <= 0 {
		cfg.Tier1BatchSize = def.Tier1BatchSize
	}
	if cfg.Tier2BatchSize <= 0 {
		cfg.Tier2BatchSize = def.Tier2BatchSize
	}
	if cfg.Tier3BatchSize <= 0 {
		cfg.Tier3BatchSize = def.Tier3BatchSize
	}
	return &Scheduler{
		cfg:      cfg,
		tiers:    tiers,
		scanner:  scanner,
		assigner: assigner,
		limiter:  limiter,
		log:      slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
}

// RunPass executes one bounded scheduler invocation. Only store
// unavailability is returned as an error; per-repo failures are logged and
// counted. When the budget runs out mid-pass the result reports the partial
// counts and the untouched records stay due for the next pass.
func (s *Scheduler) RunPass(ctx context.Context) (*PassResult, error) {
	start := s.now()
	result := &PassResult{Processed: map[domain.Tier]int{
		domain.Tier1: 0,
		domain.Tier2: 0,
		domain.Tier3: 0,
	}}
	defer func() {
		result.Elapsed = s.now().Sub(start)
		metrics.SchedulerPassDuration.Observe(result.Elapsed.Seconds())
	}()

	for _, tier := range []domain.Tier{domain.Tier1, domain.Tier2, domain.Tier3} {
		if s.budgetExceeded(start) {
			s.log.Info("budget exhausted before tier", "tier", tier)
			return result, nil
		}

		due, err := s.tiers.ListDue(ctx, tier, start, s.batchSize(tier))
		if err != nil {
			return result, fmt.Errorf("list due tier %d: %w", tier, err)
		}

		for _, rec := range due {
			if s.budgetExceeded(start) {
				s.log.Info("budget exhausted mid-tier",
					"tier", tier, "processed", result.Processed[tier])
				return result, nil
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}

			if !s.limiter.CheckLimit(ratelimit.KeyCatalogRead) {
				// No token: the repo stays due and is retried next pass.
				metrics.RateLimitDenied.WithLabelValues(ratelimit.KeyCatalogRead).Inc()
				result.Skipped++
				continue
			}

			if err := s.processRecord(ctx, rec); err != nil {
				if storage.IsFatal(err) {
					return result, err
				}
				s.log.Warn("scan failed", "repo", rec.RepoID, "tier", tier, "error", err)
				metrics.ScanErrors.WithLabelValues(tierLabel(tier)).Inc()
				result.Errors++
				continue
			}

			result.Processed[tier]++
			metrics.ScansProcessed.WithLabelValues(tierLabel(tier)).Inc()
		}
	}

	s.log.Info("scheduler pass complete",
		"tier1", result.Processed[domain.Tier1],
		"tier2", result.Processed[domain.Tier2],
		"tier3", result.Processed[domain.Tier3],
		"skipped", result.Skipped,
		"errors", result.Errors)
	return result, nil
}

// processRecord refreshes one record through the catalog and persists the
// new tier state. Tier 1 gets the deep scan.
func (s *Scheduler) processRecord(ctx context.Context, rec *domain.TierRecord) error {
	var (
		repo *domain.Repo
		err  error
	)
	if rec.Tier == domain.Tier1 {
		repo, err = s.scanner.FetchRepoDeep(ctx, rec.RepoID)
	} else {
		repo, err = s.scanner.FetchRepo(ctx, rec.RepoID)
	}
	if err != nil {
		return err
	}

	scannedAt := s.now()
	growth := github.GrowthVelocity(rec.Stars, rec.UpdatedAt, repo.Stars, scannedAt)
	engagement := repo.EngagementScore
	if engagement == 0 {
		engagement = github.EngagementScore(repo)
	}

	tier := rec.Tier
	if s.assigner.PolicyActive() == tiering.PolicyThreshold {
		tier = s.assigner.Classify(repo.Stars, growth)
	}

	rec.Stars = repo.Stars
	rec.GrowthVelocity = growth
	rec.EngagementScore = engagement
	rec.ScanPriority = s.assigner.Priority(growth, engagement, repo.Stars)
	if rec.Tier == domain.Tier1 {
		rec.LastDeepScan = &scannedAt
	} else {
		rec.LastBasicScan = &scannedAt
	}
	rec.Tier = tier
	// Next due is anchored at the scan time that produced it, so it is
	// monotonically non-decreasing across passes.
	rec.NextScanDue = s.assigner.NextDue(tier, scannedAt)
	rec.UpdatedAt = scannedAt

	if err := s.tiers.Upsert(ctx, rec); err != nil {
		return storage.Fatal(fmt.Errorf("persist tier record %s: %w", rec.RepoID, err))
	}
	return nil
}

// Ingest classifies freshly discovered repos that have no tier record yet.
// Initial classification always uses the threshold policy; the percentile
// rebalance corrects tiers once the population is stored.
func (s *Scheduler) Ingest(ctx context.Context, repos []*domain.Repo) (int, error) {
	added := 0
	for _, repo := range repos {
		if repo.Archived || repo.Fork {
			continue
		}
		existing, err := s.tiers.Get(ctx, repo.ID)
		if err != nil {
			return added, fmt.Errorf("lookup %s: %w", repo.ID, err)
		}
		if existing != nil {
			continue
		}

		now := s.now()
		engagement := github.EngagementScore(repo)
		tier := s.assigner.Classify(repo.Stars, repo.GrowthVelocity)
		rec := &domain.TierRecord{
			RepoID:          repo.ID,
			Tier:            tier,
			Stars:           repo.Stars,
			GrowthVelocity:  repo.GrowthVelocity,
			EngagementScore: engagement,
			ScanPriority:    s.assigner.Priority(repo.GrowthVelocity, engagement, repo.Stars),
			NextScanDue:     s.assigner.NextDue(tier, now),
			UpdatedAt:       now,
		}
		if err := s.tiers.Upsert(ctx, rec); err != nil {
			return added, fmt.Errorf("create tier record %s: %w", repo.ID, err)
		}
		added++
	}
	return added, nil
}

// Rebalance reassigns tiers across the whole population with the percentile
// split and persists the changes. Returns how many records moved.
func (s *Scheduler) Rebalance(ctx context.Context) (int, error) {
	recs, err := s.tiers.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list population: %w", err)
	}

	before := make(map[string]domain.Tier, len(recs))
	for _, rec := range recs {
		before[rec.RepoID] = rec.Tier
	}

	moved := tiering.RankPercentile(recs)
	if moved == 0 {
		return 0, nil
	}

	changed := make([]*domain.TierRecord, 0, moved)
	for _, rec := range recs {
		if before[rec.RepoID] != rec.Tier {
			changed = append(changed, rec)
		}
	}
	if err := s.tiers.UpdateTiers(ctx, changed); err != nil {
		return 0, fmt.Errorf("persist rebalance: %w", err)
	}
	s.log.Info("rebalance complete", "population", len(recs), "moved", moved)
	return moved, nil
}

func (s *Scheduler) budgetExceeded(start time.Time) bool {
	return s.now().Sub(start) >= s.cfg.Budget
}

func (s *Scheduler) batchSize(tier domain.Tier) int {
	switch tier {
	case domain.Tier1:
		return s.cfg.Tier1BatchSize
	case domain.Tier2:
		return s.cfg.Tier2BatchSize
	default:
		return s.cfg.Tier3BatchSize
	}
}

func tierLabel(tier domain.Tier) string {
	return strconv.Itoa(int(tier))
}
