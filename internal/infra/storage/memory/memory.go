package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/storage"
)

// MemoryStorage backs the in-memory repositories. Used by tests and by
// no-database mode; behavior mirrors the postgres implementations.
type MemoryStorage struct {
	mu      sync.RWMutex
	tiers   map[string]*domain.TierRecord
	batches map[string]*domain.Batch
	items   map[string][]*domain.BatchItem // keyed by batch id, submit order
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tiers:   make(map[string]*domain.TierRecord),
		batches: make(map[string]*domain.Batch),
		items:   make(map[string][]*domain.BatchItem),
	}
}

// -----------------------------------------------------------------------------
// Tier Repository
// -----------------------------------------------------------------------------

type TierRepo struct {
	store *MemoryStorage
}

func NewTierRepo(store *MemoryStorage) *TierRepo {
	return &TierRepo{store: store}
}

func (r *TierRepo) Upsert(ctx context.Context, rec *domain.TierRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	r.store.tiers[rec.RepoID] = &cp
	return nil
}

func (r *TierRepo) Get(ctx context.Context, repoID string) (*domain.TierRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.tiers[repoID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *TierRepo) ListByTier(ctx context.Context, tier domain.Tier) ([]*domain.TierRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var recs []*domain.TierRecord
	for _, rec := range r.store.tiers {
		if rec.Tier == tier {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	sortByPriority(recs)
	return recs, nil
}

func (r *TierRepo) ListDue(
	ctx context.Context,
	tier domain.Tier,
	now time.Time,
	limit int,
) ([]*domain.TierRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var recs []*domain.TierRecord
	for _, rec := range r.store.tiers {
		if rec.Tier == tier && !rec.NextScanDue.After(now) {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	sortByPriority(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (r *TierRepo) ListAll(ctx context.Context) ([]*domain.TierRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	recs := make([]*domain.TierRecord, 0, len(r.store.tiers))
	for _, rec := range r.store.tiers {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RepoID < recs[j].RepoID })
	return recs, nil
}

func (r *TierRepo) UpdateTiers(ctx context.Context, recs []*domain.TierRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, rec := range recs {
		if existing, ok := r.store.tiers[rec.RepoID]; ok {
			existing.Tier = rec.Tier
			existing.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (r *TierRepo) CountByTier(
	ctx context.Context,
	now time.Time,
) (map[domain.Tier]storage.TierCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.Tier]storage.TierCounts)
	for _, rec := range r.store.tiers {
		c := counts[rec.Tier]
		c.Total++
		if !rec.NextScanDue.After(now) {
			c.Due++
		}
		counts[rec.Tier] = c
	}
	return counts, nil
}

func sortByPriority(recs []*domain.TierRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ScanPriority != recs[j].ScanPriority {
			return recs[i].ScanPriority > recs[j].ScanPriority
		}
		return recs[i].RepoID < recs[j].RepoID
	})
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

type BatchRepo struct {
	store *MemoryStorage
}

func NewBatchRepo(store *MemoryStorage) *BatchRepo {
	return &BatchRepo{store: store}
}

func (r *BatchRepo) CreateBatch(
	ctx context.Context,
	batch *domain.Batch,
	items []*domain.BatchItem,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cp := *batch
	r.store.batches[batch.ID] = &cp
	stored := make([]*domain.BatchItem, len(items))
	for i, item := range items {
		icp := *item
		stored[i] = &icp
	}
	r.store.items[batch.ID] = stored
	return nil
}

func (r *BatchRepo) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	b, ok := r.store.batches[id]
	if !ok {
		return nil, storage.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *BatchRepo) ListBatches(ctx context.Context) ([]*domain.Batch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	batches := make([]*domain.Batch, 0, len(r.store.batches))
	for _, b := range r.store.batches {
		cp := *b
		batches = append(batches, &cp)
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches, nil
}

func (r *BatchRepo) TransitionBatch(
	ctx context.Context,
	id string,
	from, to domain.BatchStatus,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	b, ok := r.store.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return true, nil
}

func (r *BatchRepo) IncrementCompleted(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if b, ok := r.store.batches[id]; ok {
		b.CompletedCount++
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (r *BatchRepo) IncrementFailed(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if b, ok := r.store.batches[id]; ok {
		b.FailedCount++
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (r *BatchRepo) GetItems(ctx context.Context, batchID string) ([]*domain.BatchItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	items := r.store.items[batchID]
	out := make([]*domain.BatchItem, len(items))
	for i, item := range items {
		cp := *item
		out[i] = &cp
	}
	return out, nil
}

func (r *BatchRepo) UpdateItem(ctx context.Context, item *domain.BatchItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.items[item.BatchID] {
		if existing.RepoID == item.RepoID {
			existing.State = item.State
			existing.ErrorKind = item.ErrorKind
			existing.Retryable = item.Retryable
			existing.Attempts = item.Attempts
			existing.UpdatedAt = time.Now()
			return nil
		}
	}
	// Batch was cleared; late results recreate nothing.
	return nil
}

func (r *BatchRepo) ClearAll(ctx context.Context) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := len(r.store.batches)
	r.store.batches = make(map[string]*domain.Batch)
	r.store.items = make(map[string][]*domain.BatchItem)
	return n, nil
}
