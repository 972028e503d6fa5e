// Package control wires the application together: storage, catalog client,
// analyzer, scheduler and batch orchestrator, plus the HTTP surface.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/repopulse/internal/batch"
	"github.com/vietddude/repopulse/internal/core/config"
	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/core/tiering"
	"github.com/vietddude/repopulse/internal/infra/analysis"
	"github.com/vietddude/repopulse/internal/infra/github"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	redisclient "github.com/vietddude/repopulse/internal/infra/redis"
	"github.com/vietddude/repopulse/internal/infra/storage"
	"github.com/vietddude/repopulse/internal/infra/storage/memory"
	"github.com/vietddude/repopulse/internal/infra/storage/postgres"
	"github.com/vietddude/repopulse/internal/metrics"
	"github.com/vietddude/repopulse/internal/scheduler"
)

// ErrLocked is returned when another invocation holds the requested lock.
var ErrLocked = errors.New("another invocation is already running")

// Service is the main application struct that owns all components.
type Service struct {
	cfg     *config.AppConfig
	db      *postgres.DB
	redis   *redisclient.Client
	limiter *ratelimit.Limiter
	catalog *github.Client
	tiers   storage.TierRepository
	batches storage.BatchRepository

	assigner  *tiering.Assigner
	scheduler *scheduler.Scheduler
	orch      *batch.Orchestrator
	server    *Server
	log       *slog.Logger
}

// NewService creates a Service with all dependencies initialized.
func NewService(cfg *config.AppConfig) (*Service, error) {

	// 1. Initialize Storage
	var tierRepo storage.TierRepository
	var batchRepo storage.BatchRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate("migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		tierRepo = postgres.NewTierRepo(db)
		batchRepo = postgres.NewBatchRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		tierRepo = memory.NewTierRepo(store)
		batchRepo = memory.NewBatchRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Redis (optional; locks degrade to single-process mode)
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, cross-invocation locks disabled", "error", err)
		}
	}

	// 3. Shared components
	limiter := ratelimit.New(cfg.RateLimits)
	catalog := github.NewClient(cfg.GitHub, limiter)
	assigner := tiering.NewAssigner(cfg.Tiering)
	sched := scheduler.New(cfg.Scheduler, tierRepo, catalog, assigner, limiter)

	analyzer := &repoAnalyzer{
		catalog: catalog,
		client:  analysis.NewClient(cfg.Analysis),
	}
	orch := batch.New(cfg.Batch, batchRepo, analyzer, limiter)

	svc := &Service{
		cfg:       cfg,
		db:        db,
		redis:     redisClient,
		limiter:   limiter,
		catalog:   catalog,
		tiers:     tierRepo,
		batches:   batchRepo,
		assigner:  assigner,
		scheduler: sched,
		orch:      orch,
		log:       slog.Default().With("component", "control"),
	}
	svc.server = NewServer(svc, cfg.Server.Port)
	return svc, nil
}

// Start starts the HTTP server and background tier-population metrics.
func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.server.Start(); err != nil {
			s.log.Error("HTTP server failed", "error", err)
		}
	}()
	go s.runMetricsUpdater(ctx)
	return nil
}

// Stop shuts down the orchestrator, server and connections.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")

	s.orch.Shutdown()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}
	return s.server.Stop(ctx)
}

// RunScan executes one bounded scheduler pass. When Redis is available the
// pass is guarded by a cross-invocation lock so overlapping triggers
// (cron plus manual) do not double-scan.
func (s *Service) RunScan(ctx context.Context) (*scheduler.PassResult, error) {
	if s.redis != nil {
		ttl := s.cfg.Scheduler.Budget
		if ttl <= 0 {
			ttl = scheduler.DefaultConfig().Budget
		}
		ttl += 15 * time.Second

		ok, err := s.redis.AcquireLock(ctx, redisclient.LockSchedulerPass, ttl)
		if err != nil {
			s.log.Warn("Lock acquisition failed, running unguarded", "error", err)
		} else if !ok {
			return nil, fmt.Errorf("scheduler pass: %w", ErrLocked)
		} else {
			defer func() {
				if err := s.redis.ReleaseLock(context.Background(), redisclient.LockSchedulerPass); err != nil {
					s.log.Warn("Failed to release scheduler lock", "error", err)
				}
			}()
		}
	}

	result, err := s.scheduler.RunPass(ctx)
	if err != nil {
		return result, err
	}
	if s.redis != nil {
		if err := s.redis.SetLastPass(ctx, time.Now()); err != nil {
			s.log.Warn("Failed to record last pass", "error", err)
		}
	}
	return result, nil
}

// Discover pulls the configured catalog queries and orgs and ingests repos
// that have no tier record yet.
func (s *Service) Discover(ctx context.Context) (found, added int, err error) {
	if s.redis != nil {
		ok, lockErr := s.redis.AcquireLock(ctx, redisclient.LockDiscovery, 5*time.Minute)
		if lockErr != nil {
			s.log.Warn("Lock acquisition failed, running unguarded", "error", lockErr)
		} else if !ok {
			return 0, 0, fmt.Errorf("discovery: %w", ErrLocked)
		} else {
			defer func() {
				if relErr := s.redis.ReleaseLock(context.Background(), redisclient.LockDiscovery); relErr != nil {
					s.log.Warn("Failed to release discovery lock", "error", relErr)
				}
			}()
		}
	}

	repos, err := s.catalog.Discover(ctx)
	if err != nil {
		return 0, 0, err
	}
	added, err = s.scheduler.Ingest(ctx, repos)
	return len(repos), added, err
}

// Rebalance reassigns tiers across the stored population.
func (s *Service) Rebalance(ctx context.Context) (int, error) {
	return s.scheduler.Rebalance(ctx)
}

// StartBatch begins bulk analysis over explicit repo ids, or over every
// stored repo when none are given.
func (s *Service) StartBatch(ctx context.Context, repoIDs []string, opts batch.StartOptions) (string, error) {
	if len(repoIDs) == 0 {
		recs, err := s.tiers.ListAll(ctx)
		if err != nil {
			return "", fmt.Errorf("list population: %w", err)
		}
		for _, rec := range recs {
			repoIDs = append(repoIDs, rec.RepoID)
		}
	}
	return s.orch.Start(ctx, repoIDs, opts)
}

// StopBatch requests a cooperative stop.
func (s *Service) StopBatch(ctx context.Context, batchID string) (domain.BatchStatus, error) {
	return s.orch.Stop(ctx, batchID)
}

// BatchStatus reports one batch with ETA.
func (s *Service) BatchStatus(ctx context.Context, batchID string) (*batch.StatusReport, error) {
	return s.orch.Status(ctx, batchID)
}

// ListBatches returns all batches, newest first.
func (s *Service) ListBatches(ctx context.Context) ([]*domain.Batch, error) {
	return s.batches.ListBatches(ctx)
}

// ClearBatches deletes all batch state.
func (s *Service) ClearBatches(ctx context.Context) (int, error) {
	return s.orch.Clear(ctx)
}

// RetryFailed starts a new batch from a batch's retryable failures.
func (s *Service) RetryFailed(ctx context.Context, batchID string) (string, error) {
	return s.orch.RetryFailed(ctx, batchID)
}

// TierOverview is the population snapshot returned by tier queries.
type TierOverview struct {
	Counts  map[domain.Tier]storage.TierCounts `json:"counts"`
	Records []*domain.TierRecord               `json:"records,omitempty"`
}

// TierStatus returns counts for all tiers and, when tier is valid, the
// records of that tier.
func (s *Service) TierStatus(ctx context.Context, tier domain.Tier) (*TierOverview, error) {
	counts, err := s.tiers.CountByTier(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	overview := &TierOverview{Counts: counts}
	if tier.Valid() {
		overview.Records, err = s.tiers.ListByTier(ctx, tier)
		if err != nil {
			return nil, err
		}
	}
	return overview, nil
}

// RateLimits returns a snapshot of every admission bucket.
func (s *Service) RateLimits() []ratelimit.Status {
	keys := s.limiter.Keys()
	statuses := make([]ratelimit.Status, 0, len(keys))
	for _, key := range keys {
		statuses = append(statuses, s.limiter.GetStatus(key))
	}
	return statuses
}

// Health reports whether the backing services answer.
func (s *Service) Health(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// runMetricsUpdater periodically exports tier population gauges.
func (s *Service) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.tiers.CountByTier(ctx, time.Now())
			if err != nil {
				s.log.Debug("Tier count refresh failed", "error", err)
				continue
			}
			for tier, c := range counts {
				metrics.TierPopulation.WithLabelValues(fmt.Sprintf("%d", tier)).Set(float64(c.Total))
			}
		}
	}
}

// repoAnalyzer adapts the catalog client and AI client to the orchestrator:
// fetch current repo metadata, then run the analysis call on it.
type repoAnalyzer struct {
	catalog *github.Client
	client  *analysis.Client
}

func (a *repoAnalyzer) AnalyzeRepo(ctx context.Context, repoID string) (*analysis.Result, error) {
	repo, err := a.catalog.FetchRepo(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", repoID, err)
	}
	return a.client.Analyze(ctx, repo)
}
