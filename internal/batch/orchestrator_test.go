package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/analysis"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	"github.com/vietddude/repopulse/internal/infra/storage"
	"github.com/vietddude/repopulse/internal/infra/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeAnalyzer replays a scripted error sequence per repo. Calls beyond the
// script succeed. When blockOn is set, the first call for that repo signals
// reached and then waits for release.
type fakeAnalyzer struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int

	blockOn string
	reached chan struct{}
	release chan struct{}
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		scripts: make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeAnalyzer) AnalyzeRepo(ctx context.Context, repoID string) (*analysis.Result, error) {
	f.mu.Lock()
	f.calls[repoID]++
	n := f.calls[repoID]
	var err error
	if seq := f.scripts[repoID]; n <= len(seq) {
		err = seq[n-1]
	}
	blockOn := f.blockOn
	f.mu.Unlock()

	if repoID == blockOn && n == 1 {
		f.reached <- struct{}{}
		<-f.release
	}
	if err != nil {
		return nil, err
	}
	return &analysis.Result{RepoID: repoID, Score: 80}, nil
}

func (f *fakeAnalyzer) callCount(repoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[repoID]
}

func newTestOrchestrator(cfg Config, an Analyzer) (*Orchestrator, *memory.BatchRepo, *fakeClock) {
	clock := newFakeClock()
	store := memory.NewBatchRepo(memory.NewMemoryStorage())
	limiter := ratelimit.New([]ratelimit.ResourceConfig{
		{Key: ratelimit.KeyAnalysis, Capacity: 100000, RefillEvery: time.Minute},
	})
	o := New(cfg, store, an, limiter)
	o.now = clock.Now
	o.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}
	return o, store, clock
}

func assertInvariant(t *testing.T, b *domain.Batch) {
	t.Helper()
	if b.CompletedCount+b.FailedCount+b.PendingCount() != b.Total {
		t.Fatalf("counter invariant violated: completed=%d failed=%d pending=%d total=%d",
			b.CompletedCount, b.FailedCount, b.PendingCount(), b.Total)
	}
	if b.PendingCount() < 0 {
		t.Fatalf("negative pending count: %d", b.PendingCount())
	}
}

func TestBatchAllSucceed(t *testing.T) {
	an := newFakeAnalyzer()
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"a/1", "a/2", "a/3"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	b, err := store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	assertInvariant(t, b)
	if b.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", b.Status)
	}
	if b.CompletedCount != 3 || b.FailedCount != 0 {
		t.Errorf("completed=%d failed=%d, want 3/0", b.CompletedCount, b.FailedCount)
	}

	items, _ := store.GetItems(context.Background(), id)
	for _, item := range items {
		if item.State != domain.ItemStateSuccess {
			t.Errorf("item %s state = %s, want success", item.RepoID, item.State)
		}
		if item.Attempts != 1 {
			t.Errorf("item %s attempts = %d, want 1", item.RepoID, item.Attempts)
		}
	}
}

func TestBatchRetryThenSuccess(t *testing.T) {
	an := newFakeAnalyzer()
	// Third item is rate limited twice, then recovers.
	an.scripts["o/c"] = []error{
		errors.New("429 too many requests"),
		errors.New("429 too many requests"),
	}
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	repos := []string{"o/a", "o/b", "o/c", "o/d", "o/e"}
	id, err := o.Start(context.Background(), repos, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	b, err := store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	assertInvariant(t, b)
	if b.Status != domain.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", b.Status)
	}
	if b.CompletedCount != 5 || b.FailedCount != 0 {
		t.Errorf("completed=%d failed=%d, want 5/0", b.CompletedCount, b.FailedCount)
	}

	items, _ := store.GetItems(context.Background(), id)
	for _, item := range items {
		want := 1
		if item.RepoID == "o/c" {
			want = 3
		}
		if item.Attempts != want {
			t.Errorf("item %s attempts = %d, want %d", item.RepoID, item.Attempts, want)
		}
		if item.State != domain.ItemStateSuccess {
			t.Errorf("item %s state = %s, want success", item.RepoID, item.State)
		}
	}
}

func TestBatchNonRetryableFailsOnce(t *testing.T) {
	an := newFakeAnalyzer()
	an.scripts["gone/repo"] = []error{
		errors.New("404 not found"),
		errors.New("404 not found"),
		errors.New("404 not found"),
	}
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"ok/repo", "gone/repo"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	b, _ := store.GetBatch(context.Background(), id)
	assertInvariant(t, b)
	if b.CompletedCount != 1 || b.FailedCount != 1 {
		t.Errorf("completed=%d failed=%d, want 1/1", b.CompletedCount, b.FailedCount)
	}
	if got := an.callCount("gone/repo"); got != 1 {
		t.Errorf("non-retryable item called %d times, want 1", got)
	}

	items, _ := store.GetItems(context.Background(), id)
	for _, item := range items {
		if item.RepoID != "gone/repo" {
			continue
		}
		if item.State != domain.ItemStateFailed {
			t.Errorf("state = %s, want failed", item.State)
		}
		if item.Attempts != 1 {
			t.Errorf("attempts = %d, want 1", item.Attempts)
		}
		if item.ErrorKind != domain.ErrKindNotFound {
			t.Errorf("error kind = %s, want not_found", item.ErrorKind)
		}
		if item.Retryable {
			t.Error("not_found marked retryable")
		}
	}
}

func TestBatchRetriesExhausted(t *testing.T) {
	an := newFakeAnalyzer()
	an.scripts["down/repo"] = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}
	o, store, _ := newTestOrchestrator(Config{MaxRetries: 2}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"down/repo"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	b, _ := store.GetBatch(context.Background(), id)
	assertInvariant(t, b)
	if b.FailedCount != 1 {
		t.Errorf("failed = %d, want 1", b.FailedCount)
	}
	// First attempt plus MaxRetries re-attempts.
	if got := an.callCount("down/repo"); got != 3 {
		t.Errorf("call count = %d, want 3", got)
	}

	items, _ := store.GetItems(context.Background(), id)
	item := items[0]
	if item.State != domain.ItemStateFailed {
		t.Errorf("state = %s, want failed", item.State)
	}
	if item.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", item.Attempts)
	}
	if item.ErrorKind != domain.ErrKindNetwork {
		t.Errorf("error kind = %s, want network", item.ErrorKind)
	}
	if !item.Retryable {
		t.Error("network error should stay marked retryable")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	for retries, w := range want {
		if got := backoffDelay(base, retries); got != w {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", base, retries, got, w)
		}
	}
}

func TestStopIsCooperativeAndIdempotent(t *testing.T) {
	an := newFakeAnalyzer()
	an.blockOn = "o/b"
	an.reached = make(chan struct{})
	an.release = make(chan struct{})
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"o/a", "o/b", "o/c", "o/d"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Second item is mid-flight; request the stop now.
	<-an.reached
	status, err := o.Stop(context.Background(), id)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if status != domain.BatchStatusStopped {
		t.Errorf("Stop() status = %s, want stopped", status)
	}
	close(an.release)
	o.wg.Wait()

	// The in-flight item was allowed to settle; the rest were never started.
	b, _ := store.GetBatch(context.Background(), id)
	assertInvariant(t, b)
	if b.Status != domain.BatchStatusStopped {
		t.Errorf("status = %s, want stopped", b.Status)
	}
	if b.CompletedCount != 2 {
		t.Errorf("completed = %d, want 2", b.CompletedCount)
	}
	if got := an.callCount("o/c") + an.callCount("o/d"); got != 0 {
		t.Errorf("items after stop were analyzed %d times, want 0", got)
	}

	// Stopping again is a no-op reporting the same status.
	status, err = o.Stop(context.Background(), id)
	if err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if status != domain.BatchStatusStopped {
		t.Errorf("second Stop() status = %s, want stopped", status)
	}
}

func TestClearMidFlight(t *testing.T) {
	an := newFakeAnalyzer()
	an.blockOn = "o/b"
	an.reached = make(chan struct{})
	an.release = make(chan struct{})
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"o/a", "o/b", "o/c"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-an.reached
	n, err := o.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear() removed %d batches, want 1", n)
	}
	close(an.release)
	o.wg.Wait()

	// The late result found nothing to update and recreated nothing.
	if _, err := store.GetBatch(context.Background(), id); !errors.Is(err, storage.ErrBatchNotFound) {
		t.Errorf("GetBatch() after clear error = %v, want ErrBatchNotFound", err)
	}
	items, _ := store.GetItems(context.Background(), id)
	if len(items) != 0 {
		t.Errorf("items after clear = %d, want 0", len(items))
	}
	if _, err := o.Status(context.Background(), id); !errors.Is(err, storage.ErrBatchNotFound) {
		t.Errorf("Status() after clear error = %v, want ErrBatchNotFound", err)
	}
}

func TestStartRejectsConcurrentBatch(t *testing.T) {
	an := newFakeAnalyzer()
	o, store, clock := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	// A batch left running by a previous invocation.
	err := store.CreateBatch(context.Background(), &domain.Batch{
		ID:        "stale-batch",
		Status:    domain.BatchStatusRunning,
		Total:     2,
		CreatedAt: clock.Now(),
	}, nil)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if _, err := o.Start(context.Background(), []string{"o/a"}, StartOptions{}); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("Start() error = %v, want ErrBatchActive", err)
	}

	id, err := o.Start(context.Background(), []string{"o/a"}, StartOptions{Force: true})
	if err != nil {
		t.Fatalf("forced Start() error = %v", err)
	}
	o.wg.Wait()
	b, _ := store.GetBatch(context.Background(), id)
	if b.Status != domain.BatchStatusCompleted {
		t.Errorf("forced batch status = %s, want completed", b.Status)
	}
}

func TestStartChunkAndIndex(t *testing.T) {
	an := newFakeAnalyzer()
	o, store, _ := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	repos := []string{"o/a", "o/b", "o/c", "o/d", "o/e"}
	id, err := o.Start(context.Background(), repos, StartOptions{StartIndex: 2, ChunkSize: 2})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	b, _ := store.GetBatch(context.Background(), id)
	if b.Total != 2 {
		t.Errorf("total = %d, want 2", b.Total)
	}
	items, _ := store.GetItems(context.Background(), id)
	if len(items) != 2 || items[0].RepoID != "o/c" || items[1].RepoID != "o/d" {
		t.Errorf("unexpected chunk contents: %+v", items)
	}

	if _, err := o.Start(context.Background(), repos, StartOptions{StartIndex: 5}); err == nil {
		t.Error("Start() with out-of-range index should fail")
	}
}

func TestStatusReportsETA(t *testing.T) {
	an := newFakeAnalyzer()
	o, store, clock := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	err := store.CreateBatch(context.Background(), &domain.Batch{
		ID:        "b1",
		Status:    domain.BatchStatusRunning,
		Total:     4,
		CreatedAt: clock.Now(),
	}, nil)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	store.IncrementCompleted(context.Background(), "b1")
	store.IncrementCompleted(context.Background(), "b1")

	ls := &liveState{window: newDurationWindow(20)}
	ls.record(10 * time.Second)
	ls.record(20 * time.Second)
	ls.setCurrent("o/c")
	o.mu.Lock()
	o.live["b1"] = ls
	o.mu.Unlock()

	report, err := o.Status(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.Pending != 2 {
		t.Errorf("pending = %d, want 2", report.Pending)
	}
	if report.CurrentRepo != "o/c" {
		t.Errorf("current repo = %q, want o/c", report.CurrentRepo)
	}
	// Average 15s across two pending items.
	if report.ETA != 30*time.Second {
		t.Errorf("ETA = %v, want 30s", report.ETA)
	}
}

func TestRetryFailedStartsRetryableSubset(t *testing.T) {
	an := newFakeAnalyzer()
	o, store, clock := newTestOrchestrator(Config{}, an)
	defer o.Shutdown()

	err := store.CreateBatch(context.Background(), &domain.Batch{
		ID:        "old",
		Status:    domain.BatchStatusCompleted,
		Total:     4,
		CreatedAt: clock.Now(),
	}, []*domain.BatchItem{
		{BatchID: "old", RepoID: "o/a", SubmitIndex: 0, State: domain.ItemStateSuccess},
		{BatchID: "old", RepoID: "o/b", SubmitIndex: 1, State: domain.ItemStateFailed, ErrorKind: domain.ErrKindTimeout, Retryable: true},
		{BatchID: "old", RepoID: "o/c", SubmitIndex: 2, State: domain.ItemStateFailed, ErrorKind: domain.ErrKindNotFound, Retryable: false},
		{BatchID: "old", RepoID: "o/d", SubmitIndex: 3, State: domain.ItemStateFailed, ErrorKind: domain.ErrKindNetwork, Retryable: true},
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	id, err := o.RetryFailed(context.Background(), "old")
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	o.wg.Wait()

	b, _ := store.GetBatch(context.Background(), id)
	if b.Total != 2 {
		t.Errorf("retry batch total = %d, want 2", b.Total)
	}
	items, _ := store.GetItems(context.Background(), id)
	got := []string{items[0].RepoID, items[1].RepoID}
	if got[0] != "o/b" || got[1] != "o/d" {
		t.Errorf("retry batch repos = %v, want [o/b o/d]", got)
	}

	if _, err := o.RetryFailed(context.Background(), id); err == nil {
		t.Error("RetryFailed() on fully successful batch should fail")
	}
}

func TestItemTimeoutClassifiedAsTimeout(t *testing.T) {
	an := newFakeAnalyzer()
	an.scripts["slow/repo"] = []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}
	o, store, _ := newTestOrchestrator(Config{MaxRetries: 2}, an)
	defer o.Shutdown()

	id, err := o.Start(context.Background(), []string{"slow/repo"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	o.wg.Wait()

	items, _ := store.GetItems(context.Background(), id)
	item := items[0]
	if item.ErrorKind != domain.ErrKindTimeout {
		t.Errorf("error kind = %s, want timeout", item.ErrorKind)
	}
	if item.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (timeout is retryable)", item.Attempts)
	}
	b, _ := store.GetBatch(context.Background(), id)
	assertInvariant(t, b)
}
