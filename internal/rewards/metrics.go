package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
)

// MetricsAccumulator rebuilds GlobalMetrics from a full scan of stakes.
type MetricsAccumulator struct {
	tvl     decimal.Decimal
	active  int64
	stakers map[string]struct{}
}

// NewMetricsAccumulator creates an empty accumulator.
func NewMetricsAccumulator() *MetricsAccumulator {
	return &MetricsAccumulator{stakers: make(map[string]struct{})}
}

// Add folds one stake into the aggregate. Only active stakes count.
func (m *MetricsAccumulator) Add(s *model.Stake) {
	if s.Status != model.StakeActive {
		return
	}
	m.tvl = m.tvl.Add(s.Amount)
	m.active++
	m.stakers[s.UserID] = struct{}{}
}

// Result returns the aggregate stamped with now.
func (m *MetricsAccumulator) Result(now time.Time) model.GlobalMetrics {
	return model.GlobalMetrics{
		TotalValueLocked: m.tvl,
		ActiveStakes:     m.active,
		TotalStakers:     int64(len(m.stakers)),
		UpdatedAt:        now,
	}
}
