// Package batch drives bulk analysis runs: one slow external call per repo,
// raced against a per-item timeout, with classified failures, exponential
// backoff retry, cooperative stop and operator-level clear.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/analysis"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	"github.com/vietddude/repopulse/internal/infra/storage"
	"github.com/vietddude/repopulse/internal/metrics"
)

// Analyzer runs the external analysis call for one repo id. The production
// implementation fetches repo metadata and calls the AI service.
type Analyzer interface {
	AnalyzeRepo(ctx context.Context, repoID string) (*analysis.Result, error)
}

// Config holds orchestrator settings.
type Config struct {
	// ItemTimeout bounds one analysis call. The call is raced against it;
	// whichever settles first wins.
	ItemTimeout time.Duration `yaml:"item_timeout"`

	// MaxRetries caps re-attempts per item beyond the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the backoff unit: delay = BaseDelay * 2^retriesSoFar.
	BaseDelay time.Duration `yaml:"base_delay"`

	// ChunkSize caps how many items one start request takes; 0 means all.
	ChunkSize int `yaml:"chunk_size"`
}

// DefaultConfig returns the default orchestration limits.
func DefaultConfig() Config {
	return Config{
		ItemTimeout: 2 * time.Minute,
		MaxRetries:  2,
		BaseDelay:   1000 * time.Millisecond,
	}
}

// StartOptions tune one start request.
type StartOptions struct {
	// Force starts the batch even while another batch is running.
	Force bool `json:"force"`
	// ChunkSize overrides the configured chunk cap for this request.
	ChunkSize int `json:"chunk_size"`
	// StartIndex skips the first N items, for manual resume.
	StartIndex int `json:"start_index"`
}

// ErrBatchActive is returned by Start without force while a batch runs.
var ErrBatchActive = errors.New("another batch is already running")

// StatusReport is the queryable state of one batch.
type StatusReport struct {
	BatchID     string              `json:"batch_id"`
	Status      domain.BatchStatus  `json:"status"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Pending     int                 `json:"pending"`
	CurrentRepo string              `json:"current_repo,omitempty"`
	ETA         time.Duration       `json:"eta"`
	Items       []*domain.BatchItem `json:"items,omitempty"`
}

// liveState is the in-memory side of one running batch: what the store
// cannot know (current item, rolling durations).
type liveState struct {
	mu      sync.Mutex
	current string
	window  *durationWindow
}

func (ls *liveState) setCurrent(repoID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.current = repoID
}

func (ls *liveState) snapshot() (string, time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.current, ls.window.Average()
}

func (ls *liveState) record(d time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.window.Record(d)
}

// Orchestrator owns Batch and BatchItem state. All mutation of those
// records goes through here.
type Orchestrator struct {
	cfg      Config
	store    storage.BatchRepository
	analyzer Analyzer
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]*liveState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. Zero config fields fall back to defaults.
func New(cfg Config, store storage.BatchRepository, analyzer Analyzer, limiter *ratelimit.Limiter) *Orchestrator {
	def := DefaultConfig()
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		analyzer: analyzer,
		limiter:  limiter,
		log:      slog.Default().With("component", "batch"),
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]*liveState),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Shutdown cancels all processing loops and waits for them to return.
// In-flight per-item calls resolve through their own timeout.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// Start creates the batch and its pending items, kicks off asynchronous
// processing and returns the batch id immediately.
func (o *Orchestrator) Start(ctx context.Context, repoIDs []string, opts StartOptions) (string, error) {
	if len(repoIDs) == 0 {
		return "", errors.New("no repos to analyze")
	}

	if !opts.Force {
		running, err := o.anyRunning(ctx)
		if err != nil {
			return "", err
		}
		if running {
			return "", ErrBatchActive
		}
	}

	if opts.StartIndex > 0 {
		if opts.StartIndex >= len(repoIDs) {
			return "", fmt.Errorf("start index %d out of range (%d items)", opts.StartIndex, len(repoIDs))
		}
		repoIDs = repoIDs[opts.StartIndex:]
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = o.cfg.ChunkSize
	}
	if chunk > 0 && len(repoIDs) > chunk {
		repoIDs = repoIDs[:chunk]
	}

	batch := &domain.Batch{
		ID:        uuid.NewString(),
		Status:    domain.BatchStatusRunning,
		Total:     len(repoIDs),
		CreatedAt: o.now(),
	}
	items := make([]*domain.BatchItem, len(repoIDs))
	for i, repoID := range repoIDs {
		items[i] = &domain.BatchItem{
			BatchID:     batch.ID,
			RepoID:      repoID,
			SubmitIndex: i,
			State:       domain.ItemStatePending,
		}
	}
	if err := o.store.CreateBatch(ctx, batch, items); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	ls := &liveState{window: newDurationWindow(20)}
	o.mu.Lock()
	o.live[batch.ID] = ls
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.live, batch.ID)
			o.mu.Unlock()
		}()
		o.run(batch.ID, items, ls)
	}()

	o.log.Info("batch started", "batch", batch.ID, "total", batch.Total)
	return batch.ID, nil
}

// workItem is one queue entry. Retries re-enter the queue with a readyAt in
// the future and may interleave with not-yet-attempted items.
type workItem struct {
	item    *domain.BatchItem
	readyAt time.Time
}

// run is the per-batch processing loop. Items are handled in submission
// order; the stop flag is polled between items only, so an in-flight call
// is left to settle or time out on its own.
func (o *Orchestrator) run(batchID string, items []*domain.BatchItem, ls *liveState) {
	queue := make([]*workItem, len(items))
	for i, item := range items {
		queue[i] = &workItem{item: item}
	}

	for len(queue) > 0 {
		if o.ctx.Err() != nil {
			o.log.Info("shutdown, leaving batch running for resume", "batch", batchID)
			return
		}

		proceed, err := o.shouldContinue(batchID)
		if err != nil {
			// Store unreachable is fatal for the batch, not for items.
			o.log.Error("store unavailable, failing batch", "batch", batchID, "error", err)
			_, _ = o.store.TransitionBatch(o.ctx, batchID, domain.BatchStatusRunning, domain.BatchStatusFailed)
			return
		}
		if !proceed {
			return
		}

		next, idx := o.nextReady(queue)
		if next == nil {
			// Everything pending is backing off; wait for the earliest.
			if err := o.sleep(o.ctx, o.earliestWait(queue)); err != nil {
				return
			}
			continue
		}
		queue = append(queue[:idx], queue[idx+1:]...)

		if err := o.waitForToken(); err != nil {
			return
		}

		if delay, retry := o.processItem(batchID, next.item, ls); retry {
			queue = append(queue, &workItem{item: next.item, readyAt: o.now().Add(delay)})
		}
	}

	if applied, err := o.store.TransitionBatch(o.ctx, batchID, domain.BatchStatusRunning, domain.BatchStatusCompleted); err == nil && applied {
		o.log.Info("batch completed", "batch", batchID)
	}
}

// processItem runs one attempt for one item and persists the transition.
// Every terminal transition keeps completed+failed+pending == total. A
// retryable failure with budget left returns retry=true with the backoff
// delay; the caller re-queues the item.
func (o *Orchestrator) processItem(
	batchID string,
	item *domain.BatchItem,
	ls *liveState,
) (delay time.Duration, retry bool) {
	item.State = domain.ItemStateRunning
	item.Attempts++
	if err := o.store.UpdateItem(o.ctx, item); err != nil {
		o.log.Warn("item update failed", "batch", batchID, "repo", item.RepoID, "error", err)
	}
	ls.setCurrent(item.RepoID)
	defer ls.setCurrent("")

	start := o.now()
	err := o.analyzeWithTimeout(item.RepoID)
	elapsed := o.now().Sub(start)
	ls.record(elapsed)
	metrics.AnalysisDuration.Observe(elapsed.Seconds())

	if err == nil {
		item.State = domain.ItemStateSuccess
		item.ErrorKind = ""
		item.Retryable = false
		if err := o.store.UpdateItem(o.ctx, item); err != nil {
			o.log.Warn("item update failed", "batch", batchID, "repo", item.RepoID, "error", err)
		}
		if err := o.store.IncrementCompleted(o.ctx, batchID); err != nil {
			o.log.Warn("counter update failed", "batch", batchID, "error", err)
		}
		metrics.AnalysisCalls.WithLabelValues("success").Inc()
		metrics.BatchItemsProcessed.WithLabelValues(string(domain.ItemStateSuccess)).Inc()
		return 0, false
	}

	cls := analysis.Classify(err)
	item.ErrorKind = cls.Kind
	item.Retryable = cls.Retryable
	metrics.AnalysisCalls.WithLabelValues("failure").Inc()
	metrics.AnalysisErrors.WithLabelValues(string(cls.Kind)).Inc()

	retriesUsed := item.Attempts - 1
	if cls.Retryable && retriesUsed < o.cfg.MaxRetries {
		delay = backoffDelay(o.cfg.BaseDelay, retriesUsed)
		o.log.Warn("item failed, retrying",
			"batch", batchID, "repo", item.RepoID,
			"kind", cls.Kind, "attempt", item.Attempts, "delay", delay)

		item.State = domain.ItemStatePending
		if err := o.store.UpdateItem(o.ctx, item); err != nil {
			o.log.Warn("item update failed", "batch", batchID, "repo", item.RepoID, "error", err)
		}
		return delay, true
	}

	o.log.Warn("item failed terminally",
		"batch", batchID, "repo", item.RepoID,
		"kind", cls.Kind, "retryable", cls.Retryable, "attempts", item.Attempts)
	item.State = domain.ItemStateFailed
	if err := o.store.UpdateItem(o.ctx, item); err != nil {
		o.log.Warn("item update failed", "batch", batchID, "repo", item.RepoID, "error", err)
	}
	if err := o.store.IncrementFailed(o.ctx, batchID); err != nil {
		o.log.Warn("counter update failed", "batch", batchID, "error", err)
	}
	metrics.BatchItemsProcessed.WithLabelValues(string(domain.ItemStateFailed)).Inc()
	return 0, false
}

// analyzeWithTimeout races one analysis call against the per-item timeout.
// A hanging call loses the race and is abandoned; its context is cancelled
// so it can unwind on its own.
func (o *Orchestrator) analyzeWithTimeout(repoID string) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ItemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := o.analyzer.AnalyzeRepo(ctx, repoID)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("analysis of %s: %w", repoID, ctx.Err())
	}
}

// Stop requests a cooperative stop. Idempotent: stopping a stopped or
// otherwise terminal batch is a no-op reporting the current status.
func (o *Orchestrator) Stop(ctx context.Context, batchID string) (domain.BatchStatus, error) {
	applied, err := o.store.TransitionBatch(ctx, batchID, domain.BatchStatusRunning, domain.BatchStatusStopped)
	if err != nil {
		return "", err
	}
	if applied {
		o.log.Info("batch stop requested", "batch", batchID)
		return domain.BatchStatusStopped, nil
	}
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

// Clear deletes all batch records. In-flight calls eventually time out and
// their late results find no record to update.
func (o *Orchestrator) Clear(ctx context.Context) (int, error) {
	n, err := o.store.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	o.log.Info("batches cleared", "count", n)
	return n, nil
}

// Status reports aggregate and per-item state plus a rolling-average ETA.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*StatusReport, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := o.store.GetItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		BatchID:   b.ID,
		Status:    b.Status,
		Total:     b.Total,
		Completed: b.CompletedCount,
		Failed:    b.FailedCount,
		Pending:   b.PendingCount(),
		Items:     items,
	}

	o.mu.Lock()
	ls := o.live[batchID]
	o.mu.Unlock()
	if ls != nil {
		current, avg := ls.snapshot()
		report.CurrentRepo = current
		report.ETA = avg * time.Duration(report.Pending)
	}
	return report, nil
}

// RetryFailed starts a new batch from the retryable-failed subset of a
// previous batch.
func (o *Orchestrator) RetryFailed(ctx context.Context, batchID string) (string, error) {
	items, err := o.store.GetItems(ctx, batchID)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		if _, err := o.store.GetBatch(ctx, batchID); err != nil {
			return "", err
		}
	}

	var repoIDs []string
	for _, item := range items {
		if item.State == domain.ItemStateFailed && item.Retryable {
			repoIDs = append(repoIDs, item.RepoID)
		}
	}
	if len(repoIDs) == 0 {
		return "", errors.New("no retryable failed items")
	}
	return o.Start(ctx, repoIDs, StartOptions{Force: true})
}

func (o *Orchestrator) anyRunning(ctx context.Context) (bool, error) {
	batches, err := o.store.ListBatches(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range batches {
		if b.Status == domain.BatchStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// shouldContinue polls the stop flag on the batch record. A cleared batch
// reports not-found and ends the loop quietly.
func (o *Orchestrator) shouldContinue(batchID string) (bool, error) {
	b, err := o.store.GetBatch(o.ctx, batchID)
	if errors.Is(err, storage.ErrBatchNotFound) {
		o.log.Info("batch cleared mid-flight", "batch", batchID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b.Status != domain.BatchStatusRunning {
		o.log.Info("batch no longer running", "batch", batchID, "status", b.Status)
		return false, nil
	}
	return true, nil
}

// nextReady finds the first queue entry whose backoff has elapsed,
// preserving submission order among ready entries.
func (o *Orchestrator) nextReady(queue []*workItem) (*workItem, int) {
	now := o.now()
	for i, w := range queue {
		if !w.readyAt.After(now) {
			return w, i
		}
	}
	return nil, -1
}

func (o *Orchestrator) earliestWait(queue []*workItem) time.Duration {
	now := o.now()
	var min time.Duration
	for i, w := range queue {
		d := w.readyAt.Sub(now)
		if i == 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		min = 0
	}
	return min
}

// waitForToken defers until the analysis resource admits a call.
func (o *Orchestrator) waitForToken() error {
	for {
		if o.limiter.CheckLimit(ratelimit.KeyAnalysis) {
			return nil
		}
		metrics.RateLimitDenied.WithLabelValues(ratelimit.KeyAnalysis).Inc()
		if err := o.sleep(o.ctx, o.limiter.WaitTime(ratelimit.KeyAnalysis)); err != nil {
			return err
		}
	}
}

// backoffDelay computes BaseDelay * 2^retriesUsed: 1000, 2000, 4000ms for
// the defaults.
func backoffDelay(base time.Duration, retriesUsed int) time.Duration {
	return base << uint(retriesUsed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
