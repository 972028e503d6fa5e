package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/storage"
)

// TierRepo implements storage.TierRepository using PostgreSQL.
type TierRepo struct {
	db *DB
}

// NewTierRepo creates a new PostgreSQL tier repository.
func NewTierRepo(db *DB) *TierRepo {
	return &TierRepo{db: db}
}

// Upsert creates or replaces the record for rec.RepoID.
func (r *TierRepo) Upsert(ctx context.Context, rec *domain.TierRecord) error {
	query := `
		INSERT INTO tier_records
			(repo_id, tier, stars, growth_velocity, engagement_score,
			 scan_priority, last_deep_scan, last_basic_scan, next_scan_due, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (repo_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			stars = EXCLUDED.stars,
			growth_velocity = EXCLUDED.growth_velocity,
			engagement_score = EXCLUDED.engagement_score,
			scan_priority = EXCLUDED.scan_priority,
			last_deep_scan = EXCLUDED.last_deep_scan,
			last_basic_scan = EXCLUDED.last_basic_scan,
			next_scan_due = EXCLUDED.next_scan_due,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.RepoID, rec.Tier, rec.Stars, rec.GrowthVelocity, rec.EngagementScore,
		rec.ScanPriority, rec.LastDeepScan, rec.LastBasicScan, rec.NextScanDue)
	if err != nil {
		return fmt.Errorf("failed to upsert tier record: %w", err)
	}
	return nil
}

// Get retrieves one record, nil when the repo was never classified.
func (r *TierRepo) Get(ctx context.Context, repoID string) (*domain.TierRecord, error) {
	var rec domain.TierRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT repo_id, tier, stars, growth_velocity, engagement_score,
		        scan_priority, last_deep_scan, last_basic_scan, next_scan_due, updated_at
		 FROM tier_records WHERE repo_id = $1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier record: %w", err)
	}
	return &rec, nil
}

// ListByTier returns all records in a tier, scan_priority descending.
func (r *TierRepo) ListByTier(ctx context.Context, tier domain.Tier) ([]*domain.TierRecord, error) {
	var recs []*domain.TierRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT repo_id, tier, stars, growth_velocity, engagement_score,
		        scan_priority, last_deep_scan, last_basic_scan, next_scan_due, updated_at
		 FROM tier_records WHERE tier = $1
		 ORDER BY scan_priority DESC, repo_id`, tier)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier %d: %w", tier, err)
	}
	return recs, nil
}

// ListDue returns due records ordered by priority, capped at limit.
func (r *TierRepo) ListDue(
	ctx context.Context,
	tier domain.Tier,
	now time.Time,
	limit int,
) ([]*domain.TierRecord, error) {
	var recs []*domain.TierRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT repo_id, tier, stars, growth_velocity, engagement_score,
		        scan_priority, last_deep_scan, last_basic_scan, next_scan_due, updated_at
		 FROM tier_records
		 WHERE tier = $1 AND next_scan_due <= $2
		 ORDER BY scan_priority DESC, repo_id
		 LIMIT $3`, tier, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due records: %w", err)
	}
	return recs, nil
}

// ListAll returns the whole population.
func (r *TierRepo) ListAll(ctx context.Context) ([]*domain.TierRecord, error) {
	var recs []*domain.TierRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT repo_id, tier, stars, growth_velocity, engagement_score,
		        scan_priority, last_deep_scan, last_basic_scan, next_scan_due, updated_at
		 FROM tier_records ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier records: %w", err)
	}
	return recs, nil
}

// UpdateTiers persists tier changes for the given records in one transaction.
func (r *TierRepo) UpdateTiers(ctx context.Context, recs []*domain.TierRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		_, err := tx.ExecContext(ctx,
			`UPDATE tier_records SET tier = $1, updated_at = NOW() WHERE repo_id = $2`,
			rec.Tier, rec.RepoID)
		if err != nil {
			return fmt.Errorf("failed to update tier for %s: %w", rec.RepoID, err)
		}
	}
	return tx.Commit()
}

// CountByTier returns population and due counts per tier.
func (r *TierRepo) CountByTier(
	ctx context.Context,
	now time.Time,
) (map[domain.Tier]storage.TierCounts, error) {
	rows := []struct {
		Tier  domain.Tier `db:"tier"`
		Total int         `db:"total"`
		Due   int         `db:"due"`
	}{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT tier,
		        COUNT(*) AS total,
		        COUNT(*) FILTER (WHERE next_scan_due <= $1) AS due
		 FROM tier_records GROUP BY tier`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count tiers: %w", err)
	}

	counts := make(map[domain.Tier]storage.TierCounts, len(rows))
	for _, row := range rows {
		counts[row.Tier] = storage.TierCounts{Total: row.Total, Due: row.Due}
	}
	return counts, nil
}
