// Package storage defines the persistence contracts for tier and batch
// state. The store is the single source of truth; postgres is the production
// backend and memory is the twin used by tests and no-DB mode.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
)

var (
	// ErrBatchNotFound is returned when a batch id has no record, including
	// after clearBatches removed it.
	ErrBatchNotFound = errors.New("batch not found")
)

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a store failure as fatal for the current invocation. Callers
// abort instead of continuing with the next item.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the fatal marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// TierRepository handles TierRecord storage.
type TierRepository interface {
	// Upsert creates or replaces the record for its repo id.
	Upsert(ctx context.Context, rec *domain.TierRecord) error

	// Get retrieves one record, nil when the repo was never classified.
	Get(ctx context.Context, repoID string) (*domain.TierRecord, error)

	// ListByTier returns all records in a tier, scan_priority descending.
	ListByTier(ctx context.Context, tier domain.Tier) ([]*domain.TierRecord, error)

	// ListDue returns records in a tier with next_scan_due <= now, ordered
	// by scan_priority descending, capped at limit.
	ListDue(ctx context.Context, tier domain.Tier, now time.Time, limit int) ([]*domain.TierRecord, error)

	// ListAll returns the whole population (for percentile rebalancing).
	ListAll(ctx context.Context) ([]*domain.TierRecord, error)

	// UpdateTiers persists tier changes for the given records.
	UpdateTiers(ctx context.Context, recs []*domain.TierRecord) error

	// CountByTier returns population and due counts per tier.
	CountByTier(ctx context.Context, now time.Time) (map[domain.Tier]TierCounts, error)
}

// TierCounts is a per-tier population snapshot.
type TierCounts struct {
	Total int `json:"total"`
	Due   int `json:"due"`
}

// BatchRepository handles Batch and BatchItem storage. Batch counter and
// status writes are conditional or atomic so concurrent invocations on the
// same batch id serialize without lost updates.
type BatchRepository interface {
	// CreateBatch persists a batch and its items in one transaction.
	CreateBatch(ctx context.Context, batch *domain.Batch, items []*domain.BatchItem) error

	// GetBatch retrieves a batch, ErrBatchNotFound when absent.
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)

	// ListBatches returns all batches, newest first.
	ListBatches(ctx context.Context) ([]*domain.Batch, error)

	// TransitionBatch moves a batch from one status to another only if it
	// still has the from status. Returns whether the transition applied.
	TransitionBatch(ctx context.Context, id string, from, to domain.BatchStatus) (bool, error)

	// IncrementCompleted / IncrementFailed atomically bump the aggregate
	// counters. No-ops (without error) when the batch was cleared.
	IncrementCompleted(ctx context.Context, id string) error
	IncrementFailed(ctx context.Context, id string) error

	// GetItems returns a batch's items ordered by submit index.
	GetItems(ctx context.Context, batchID string) ([]*domain.BatchItem, error)

	// UpdateItem persists one item's state. A no-op when the record no
	// longer exists, so late results after clearBatches recreate nothing.
	UpdateItem(ctx context.Context, item *domain.BatchItem) error

	// ClearAll deletes every batch and batch item, returning the number of
	// batches removed.
	ClearAll(ctx context.Context) (int, error)
}
