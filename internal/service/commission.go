package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

// DefaultCommissionRate is the base-tier platform commission.
var DefaultCommissionRate = decimal.RequireFromString("0.15")

// StaticCommissionRates serves a fixed default rate with per-teacher
// overrides from configuration. Staking tiers live elsewhere.
type StaticCommissionRates struct {
	defaultRate decimal.Decimal
	overrides   map[string]decimal.Decimal
}

func NewStaticCommissionRates(defaultRate decimal.Decimal, overrides map[string]decimal.Decimal) (*StaticCommissionRates, error) {
	if defaultRate.IsZero() {
		defaultRate = DefaultCommissionRate
	}
	if !validRate(defaultRate) {
		return nil, apperrors.ErrInvalidCommission.WithDetail("commission_rate", defaultRate.String())
	}
	cp := make(map[string]decimal.Decimal, len(overrides))
	for teacher, rate := range overrides {
		if !validRate(rate) {
			return nil, apperrors.ErrInvalidCommission.WithDetails(map[string]string{
				"teacher_id":      teacher,
				"commission_rate": rate.String(),
			})
		}
		cp[teacher] = rate
	}
	return &StaticCommissionRates{defaultRate: defaultRate, overrides: cp}, nil
}

func (r *StaticCommissionRates) CommissionRateFor(_ context.Context, teacherID string) (decimal.Decimal, error) {
	if rate, ok := r.overrides[teacherID]; ok {
		return rate, nil
	}
	return r.defaultRate, nil
}

// validRate accepts rates in [0, 1] that the rate columns store without
// rounding.
func validRate(rate decimal.Decimal) bool {
	return rate.Sign() >= 0 && rate.LessThanOrEqual(decimal.NewFromInt(1)) &&
		rate.Equal(rate.Truncate(model.RateDecimals))
}
