// Package rewards holds the pure reward arithmetic: the rate table, the
// accrual calculator, the unstake penalty quote and the claim policies.
// Nothing in this package performs I/O; every result is a function of the
// stored state and the supplied time.
package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
)

var hundred = decimal.NewFromInt(100)

// RateTable maps a lock period to its APY (percent), reward weight and
// early-withdrawal penalty (percent).
type RateTable struct {
	apy     map[model.LockPeriod]decimal.Decimal
	weight  map[model.LockPeriod]decimal.Decimal
	penalty map[model.LockPeriod]decimal.Decimal
}

// NewRateTable builds a rate table from configuration maps keyed by lock
// period identifier. The flexible entry is mandatory in the APY and weight
// tables because it is the fallback for unknown periods.
func NewRateTable(apy, weights, penalties map[string]float64) (*RateTable, error) {
	t := &RateTable{
		apy:     make(map[model.LockPeriod]decimal.Decimal),
		weight:  make(map[model.LockPeriod]decimal.Decimal),
		penalty: make(map[model.LockPeriod]decimal.Decimal),
	}

	if err := fill(t.apy, apy, "apy"); err != nil {
		return nil, err
	}
	if err := fill(t.weight, weights, "weight"); err != nil {
		return nil, err
	}
	if err := fill(t.penalty, penalties, "penalty"); err != nil {
		return nil, err
	}

	if _, ok := t.apy[model.LockFlexible]; !ok {
		return nil, fmt.Errorf("apy table has no %q entry", model.LockFlexible)
	}
	if _, ok := t.weight[model.LockFlexible]; !ok {
		return nil, fmt.Errorf("weight table has no %q entry", model.LockFlexible)
	}
	for p, pct := range t.penalty {
		if pct.GreaterThan(hundred) {
			return nil, fmt.Errorf("penalty for %q exceeds 100%%", p)
		}
	}

	return t, nil
}

// DefaultRateTable returns the built-in rates.
func DefaultRateTable() *RateTable {
	t, err := NewRateTable(
		map[string]float64{"flexible": 5, "30": 12, "60": 15, "90": 20},
		map[string]float64{"flexible": 1.0, "30": 1.25, "60": 1.35, "90": 1.5},
		map[string]float64{"flexible": 0, "30": 10, "60": 15, "90": 20},
	)
	if err != nil {
		panic(err)
	}
	return t
}

func fill(dst map[model.LockPeriod]decimal.Decimal, src map[string]float64, name string) error {
	for key, value := range src {
		period, err := model.ParseLockPeriod(key)
		if err != nil {
			return fmt.Errorf("%s table: %w", name, err)
		}
		if value < 0 {
			return fmt.Errorf("%s table: negative value for %q", name, key)
		}
		dst[period] = decimal.NewFromFloat(value)
	}
	return nil
}

// APY returns the annual percentage yield for a lock period, falling back
// to the flexible rate for unknown periods.
func (t *RateTable) APY(p model.LockPeriod) decimal.Decimal {
	if v, ok := t.apy[p]; ok {
		return v
	}
	return t.apy[model.LockFlexible]
}

// Weight returns the reward weight multiplier for a lock period, falling
// back to the flexible weight for unknown periods.
func (t *RateTable) Weight(p model.LockPeriod) decimal.Decimal {
	if v, ok := t.weight[p]; ok {
		return v
	}
	return t.weight[model.LockFlexible]
}

// PenaltyPercent returns the early-withdrawal penalty for a lock period.
// Flexible stakes and periods without an entry carry no penalty.
func (t *RateTable) PenaltyPercent(p model.LockPeriod) decimal.Decimal {
	if p == model.LockFlexible {
		return decimal.Zero
	}
	if v, ok := t.penalty[p]; ok {
		return v
	}
	return decimal.Zero
}
