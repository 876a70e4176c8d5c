package model

import "github.com/shopspring/decimal"

// Gas-sponsored operation types and their fixed gas limits for capacity
// estimates.
const (
	OpTransfer     = "transfer"
	OpTransferFrom = "transfer_from"
	OpApprove      = "approve"
)

// OperationGasLimits are the conservative limits used for capacity math.
var OperationGasLimits = map[string]uint64{
	OpTransfer:     65000,
	OpTransferFrom: 80000,
	OpApprove:      50000,
}

// GasTreasuryStatus describes the hot wallet's native balance.
type GasTreasuryStatus struct {
	Address        string           `json:"address"`
	CurrentBalance decimal.Decimal  `json:"current_balance"`
	MinBalance     decimal.Decimal  `json:"min_balance"`
	LowThreshold   decimal.Decimal  `json:"low_threshold"`
	GasPriceWei    decimal.Decimal  `json:"gas_price_wei"`
	Capacity       map[string]int64 `json:"capacity"`
	CheckedAt      int64            `json:"checked_at"`
}

// CanSponsor reports whether the balance is above the hard minimum.
func (s *GasTreasuryStatus) CanSponsor() bool {
	return s.CurrentBalance.GreaterThanOrEqual(s.MinBalance)
}

// IsLow reports whether the balance is below the alert threshold.
func (s *GasTreasuryStatus) IsLow() bool {
	return s.CurrentBalance.LessThan(s.LowThreshold)
}

// FundsKind names the resource a pre-flight check found lacking.
type FundsKind string

const (
	FundsKindTeo       FundsKind = "teo"
	FundsKindGas       FundsKind = "gas"
	FundsKindPoolGas   FundsKind = "pool_gas"
	FundsKindAllowance FundsKind = "allowance"
)

// PrereqResult is the aggregate pre-flight check for one purchase.
type PrereqResult struct {
	SufficientTeo       bool            `json:"sufficient_teo"`
	SufficientGas       bool            `json:"sufficient_gas"`
	SufficientPoolGas   bool            `json:"sufficient_pool_gas"`
	SufficientAllowance bool            `json:"sufficient_allowance"`
	StudentTeo          decimal.Decimal `json:"student_teo"`
	StudentGas          decimal.Decimal `json:"student_gas"`
	PoolGas             decimal.Decimal `json:"pool_gas"`
	Allowance           decimal.Decimal `json:"allowance"`
	RequiredGas         decimal.Decimal `json:"required_gas"`
	Detail              string          `json:"detail,omitempty"`
}

// OK reports whether every check passed.
func (r *PrereqResult) OK() bool {
	return r.Shortfall() == ""
}

// Shortfall returns the first failing check, TEO before gas.
func (r *PrereqResult) Shortfall() FundsKind {
	switch {
	case !r.SufficientTeo:
		return FundsKindTeo
	case !r.SufficientAllowance:
		return FundsKindAllowance
	case !r.SufficientGas:
		return FundsKindGas
	case !r.SufficientPoolGas:
		return FundsKindPoolGas
	default:
		return ""
	}
}
