package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/storage"
)

// BatchRepo implements storage.BatchRepository using PostgreSQL.
type BatchRepo struct {
	db *DB
}

// NewBatchRepo creates a new PostgreSQL batch repository.
func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// CreateBatch persists a batch and its items in one transaction.
func (r *BatchRepo) CreateBatch(
	ctx context.Context,
	batch *domain.Batch,
	items []*domain.BatchItem,
) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, status, total, completed_count, failed_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		batch.ID, batch.Status, batch.Total, batch.CompletedCount, batch.FailedCount, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_items
				(batch_id, repo_id, submit_index, state, error_kind, retryable, attempts, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			item.BatchID, item.RepoID, item.SubmitIndex, item.State,
			item.ErrorKind, item.Retryable, item.Attempts)
		if err != nil {
			return fmt.Errorf("failed to insert batch item %s: %w", item.RepoID, err)
		}
	}
	return tx.Commit()
}

// GetBatch retrieves a batch, storage.ErrBatchNotFound when absent.
func (r *BatchRepo) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	err := r.db.GetContext(ctx, &b,
		`SELECT id, status, total, completed_count, failed_count, created_at, updated_at
		 FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

// ListBatches returns all batches, newest first.
func (r *BatchRepo) ListBatches(ctx context.Context) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	err := r.db.SelectContext(ctx, &batches,
		`SELECT id, status, total, completed_count, failed_count, created_at, updated_at
		 FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// TransitionBatch applies a conditional status change. The WHERE clause on
// the old status makes the transition serialize under concurrency: exactly
// one caller observes applied=true.
func (r *BatchRepo) TransitionBatch(
	ctx context.Context,
	id string,
	from, to domain.BatchStatus,
) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementCompleted bumps the completed counter.
func (r *BatchRepo) IncrementCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batches SET completed_count = completed_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment completed: %w", err)
	}
	return nil
}

// IncrementFailed bumps the failed counter.
func (r *BatchRepo) IncrementFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batches SET failed_count = failed_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment failed: %w", err)
	}
	return nil
}

// GetItems returns a batch's items in submission order.
func (r *BatchRepo) GetItems(ctx context.Context, batchID string) ([]*domain.BatchItem, error) {
	var items []*domain.BatchItem
	err := r.db.SelectContext(ctx, &items,
		`SELECT batch_id, repo_id, submit_index, state, error_kind, retryable, attempts, updated_at
		 FROM batch_items WHERE batch_id = $1 ORDER BY submit_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch items: %w", err)
	}
	return items, nil
}

// UpdateItem persists one item's state. Updating a cleared batch's item
// matches zero rows and is not an error.
func (r *BatchRepo) UpdateItem(ctx context.Context, item *domain.BatchItem) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batch_items
		 SET state = $1, error_kind = $2, retryable = $3, attempts = $4, updated_at = NOW()
		 WHERE batch_id = $5 AND repo_id = $6`,
		item.State, item.ErrorKind, item.Retryable, item.Attempts,
		item.BatchID, item.RepoID)
	if err != nil {
		return fmt.Errorf("failed to update batch item: %w", err)
	}
	return nil
}

// ClearAll deletes every batch and item. batch_items rows go first to keep
// the FK happy without relying on cascade.
func (r *BatchRepo) ClearAll(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_items`); err != nil {
		return 0, fmt.Errorf("failed to delete batch items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
