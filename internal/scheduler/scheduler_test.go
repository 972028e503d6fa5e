package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/core/tiering"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	"github.com/vietddude/repopulse/internal/infra/storage"
	"github.com/vietddude/repopulse/internal/infra/storage/memory"
)

// fakeClock is a manually advanced clock shared between the scheduler and
// the fake scanner.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeScanner returns canned repos and can advance the clock per call to
// simulate slow catalog reads.
type fakeScanner struct {
	clock    *fakeClock
	perCall  time.Duration
	stars    map[string]int
	failOn   map[string]error
	deep     []string
	basic    []string
}

func newFakeScanner(clock *fakeClock, perCall time.Duration) *fakeScanner {
	return &fakeScanner{
		clock:   clock,
		perCall: perCall,
		stars:   make(map[string]int),
		failOn:  make(map[string]error),
	}
}

func (f *fakeScanner) fetch(repoID string) (*domain.Repo, error) {
	f.clock.Advance(f.perCall)
	if err, ok := f.failOn[repoID]; ok {
		return nil, err
	}
	stars := f.stars[repoID]
	if stars == 0 {
		stars = 100
	}
	return &domain.Repo{
		ID:          repoID,
		Stars:       stars,
		Forks:       10,
		Watchers:    5,
		OpenIssues:  3,
		Description: "a repo",
		Language:    "Go",
	}, nil
}

func (f *fakeScanner) FetchRepo(ctx context.Context, repoID string) (*domain.Repo, error) {
	f.basic = append(f.basic, repoID)
	return f.fetch(repoID)
}

func (f *fakeScanner) FetchRepoDeep(ctx context.Context, repoID string) (*domain.Repo, error) {
	f.deep = append(f.deep, repoID)
	return f.fetch(repoID)
}

func newTestLimiter(capacity int) *ratelimit.Limiter {
	return ratelimit.New([]ratelimit.ResourceConfig{{
		Key:          ratelimit.KeyCatalogRead,
		Capacity:     capacity,
		RefillAmount: 1,
		RefillEvery:  time.Hour,
	}})
}

func seedDue(t *testing.T, repo storage.TierRepository, tier domain.Tier, n int, due time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := repo.Upsert(context.Background(), &domain.TierRecord{
			RepoID:       fmt.Sprintf("org/t%d-repo-%02d", tier, i),
			Tier:         tier,
			Stars:        100,
			ScanPriority: n - i, // descending priority by index
			NextScanDue:  due,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func newTestScheduler(
	cfg Config,
	tiers storage.TierRepository,
	scanner Scanner,
	limiter *ratelimit.Limiter,
	clock *fakeClock,
) *Scheduler {
	s := New(cfg, tiers, scanner, tiering.NewAssigner(tiering.DefaultConfig()), limiter)
	s.now = clock.Now
	return s
}

func TestRunPass_ProcessesDueInOrder(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	scanner := newFakeScanner(clock, time.Second)

	seedDue(t, tiers, domain.Tier1, 2, clock.Now().Add(-time.Hour))
	seedDue(t, tiers, domain.Tier2, 2, clock.Now().Add(-time.Hour))

	s := newTestScheduler(Config{}, tiers, scanner, newTestLimiter(100), clock)
	result, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if result.Processed[domain.Tier1] != 2 || result.Processed[domain.Tier2] != 2 {
		t.Errorf("processed = %v, want 2 per tier", result.Processed)
	}
	// Tier 1 gets deep scans and runs before tier 2.
	if len(scanner.deep) != 2 || len(scanner.basic) != 2 {
		t.Fatalf("deep=%d basic=%d, want 2/2", len(scanner.deep), len(scanner.basic))
	}
	// Within a tier, descending scan_priority order (index 0 has highest).
	if scanner.deep[0] != "org/t1-repo-00" || scanner.deep[1] != "org/t1-repo-01" {
		t.Errorf("tier1 order = %v", scanner.deep)
	}
}

func TestRunPass_BudgetExceededLeavesRestDue(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	// 12s per scan: items finish at 12/24/36/48s, so the budget check
	// stops the pass after the 4th item.
	scanner := newFakeScanner(clock, 12*time.Second)

	origDue := clock.Now().Add(-time.Hour)
	seedDue(t, tiers, domain.Tier1, 10, origDue)

	s := newTestScheduler(Config{Budget: 45 * time.Second}, tiers, scanner, newTestLimiter(100), clock)
	result, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if got := result.Processed[domain.Tier1]; got != 4 {
		t.Fatalf("processed = %d, want 4", got)
	}

	// The 6 unprocessed records keep their original next_scan_due.
	recs, _ := tiers.ListDue(context.Background(), domain.Tier1, clock.Now(), 100)
	stillDue := 0
	for _, rec := range recs {
		if rec.NextScanDue.Equal(origDue) {
			stillDue++
		}
	}
	if stillDue != 6 {
		t.Errorf("records still due with original timestamp = %d, want 6", stillDue)
	}
}

func TestRunPass_RateLimitedSkipsStayDue(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	scanner := newFakeScanner(clock, time.Millisecond)

	seedDue(t, tiers, domain.Tier2, 5, clock.Now().Add(-time.Hour))

	s := newTestScheduler(Config{}, tiers, scanner, newTestLimiter(2), clock)
	result, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if result.Processed[domain.Tier2] != 2 {
		t.Errorf("processed = %d, want 2", result.Processed[domain.Tier2])
	}
	if result.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", result.Skipped)
	}
	recs, _ := tiers.ListDue(context.Background(), domain.Tier2, clock.Now(), 100)
	if len(recs) != 3 {
		t.Errorf("still due = %d, want 3", len(recs))
	}
}

func TestRunPass_ItemFailureDoesNotAbort(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	scanner := newFakeScanner(clock, time.Millisecond)
	scanner.failOn["org/t3-repo-01"] = errors.New("503 Service Unavailable")

	seedDue(t, tiers, domain.Tier3, 3, clock.Now().Add(-time.Hour))

	s := newTestScheduler(Config{}, tiers, scanner, newTestLimiter(100), clock)
	result, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if result.Processed[domain.Tier3] != 2 {
		t.Errorf("processed = %d, want 2", result.Processed[domain.Tier3])
	}
	if result.Errors != 1 {
		t.Errorf("errors = %d, want 1", result.Errors)
	}
	// The failed repo stays due for the next pass.
	rec, _ := tiers.Get(context.Background(), "org/t3-repo-01")
	if rec.NextScanDue.After(clock.Now()) {
		t.Error("failed repo should remain due")
	}
}

func TestRunPass_NextDueStrictlyAfterScanTime(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	scanner := newFakeScanner(clock, time.Second)

	passStart := clock.Now()
	seedDue(t, tiers, domain.Tier1, 1, passStart.Add(-time.Hour))

	s := newTestScheduler(Config{}, tiers, scanner, newTestLimiter(100), clock)
	if _, err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	rec, _ := tiers.Get(context.Background(), "org/t1-repo-00")
	if !rec.NextScanDue.After(passStart) {
		t.Errorf("next_scan_due %v not after pass start %v", rec.NextScanDue, passStart)
	}
	if rec.LastDeepScan == nil {
		t.Error("tier 1 scan should record last_deep_scan")
	}
	if rec.LastBasicScan != nil {
		t.Error("tier 1 scan should not record last_basic_scan")
	}
}

func TestRunPass_FatalStoreErrorAborts(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := &failingUpsertRepo{TierRepository: memory.NewTierRepo(store)}
	scanner := newFakeScanner(clock, time.Millisecond)

	seedDue(t, tiers.TierRepository, domain.Tier1, 2, clock.Now().Add(-time.Hour))
	tiers.failing = true

	s := newTestScheduler(Config{}, tiers, scanner, newTestLimiter(100), clock)
	if _, err := s.RunPass(context.Background()); err == nil {
		t.Fatal("store unavailability must be fatal for the invocation")
	}
}

type failingUpsertRepo struct {
	storage.TierRepository
	failing bool
}

func (r *failingUpsertRepo) Upsert(ctx context.Context, rec *domain.TierRecord) error {
	if r.failing {
		return errors.New("connection refused")
	}
	return r.TierRepository.Upsert(ctx, rec)
}

func TestIngest(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	s := newTestScheduler(Config{}, tiers, newFakeScanner(clock, 0), newTestLimiter(100), clock)

	repos := []*domain.Repo{
		{ID: "org/new", Stars: 1000},
		{ID: "org/archived", Stars: 9000, Archived: true},
		{ID: "org/fork", Stars: 9000, Fork: true},
	}
	added, err := s.Ingest(context.Background(), repos)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1 (archived and forks excluded)", added)
	}

	// Re-ingesting the same repo is a no-op.
	added, err = s.Ingest(context.Background(), repos)
	if err != nil || added != 0 {
		t.Errorf("second ingest added = %d, err = %v; want 0, nil", added, err)
	}

	rec, _ := tiers.Get(context.Background(), "org/new")
	if rec == nil {
		t.Fatal("ingested repo has no tier record")
	}
	if !rec.NextScanDue.After(clock.Now()) {
		t.Error("new record must have a future next_scan_due")
	}
}

func TestRebalance(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewMemoryStorage()
	tiers := memory.NewTierRepo(store)
	s := newTestScheduler(Config{}, tiers, newFakeScanner(clock, 0), newTestLimiter(100), clock)

	for i := 0; i < 20; i++ {
		_ = tiers.Upsert(context.Background(), &domain.TierRecord{
			RepoID:      fmt.Sprintf("org/repo-%02d", i),
			Tier:        domain.Tier3,
			Stars:       (20 - i) * 1000,
			NextScanDue: clock.Now(),
		})
	}

	moved, err := s.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if moved != 10 {
		// ceil(20*0.15)=3 tier1, ceil(20*0.50)=10 cumulative: 3+7 move.
		t.Errorf("moved = %d, want 10", moved)
	}

	tier1, _ := tiers.ListByTier(context.Background(), domain.Tier1)
	if len(tier1) != 3 {
		t.Errorf("tier1 size = %d, want 3", len(tier1))
	}
}
