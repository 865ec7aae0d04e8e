package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
)

// metricsRowID is the singleton key of the meta_stats row.
const metricsRowID = "stats"

// MetricsRepository stores the global platform aggregate.
type MetricsRepository struct {
	db db.DBTX
}

// NewMetricsRepository creates a new MetricsRepository instance.
func NewMetricsRepository(q db.DBTX) *MetricsRepository {
	return &MetricsRepository{db: q}
}

// Save replaces the stored aggregate.
func (r *MetricsRepository) Save(ctx context.Context, m *model.GlobalMetrics) error {
	const query = `
		INSERT INTO meta_stats (id, total_value_locked, active_stakes, total_stakers, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET total_value_locked = EXCLUDED.total_value_locked,
		    active_stakes = EXCLUDED.active_stakes,
		    total_stakers = EXCLUDED.total_stakers,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, metricsRowID, m.TotalValueLocked, m.ActiveStakes, m.TotalStakers, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save global metrics: %w", err)
	}
	return nil
}

// Get returns the stored aggregate, or a zero aggregate if none was saved.
func (r *MetricsRepository) Get(ctx context.Context) (*model.GlobalMetrics, error) {
	const query = `
		SELECT total_value_locked, active_stakes, total_stakers, updated_at
		FROM meta_stats WHERE id = $1
	`

	var m model.GlobalMetrics
	err := r.db.QueryRow(ctx, query, metricsRowID).Scan(&m.TotalValueLocked, &m.ActiveStakes, &m.TotalStakers, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.GlobalMetrics{TotalValueLocked: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("failed to get global metrics: %w", err)
	}
	return &m, nil
}
