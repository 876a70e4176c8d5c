package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

// InsufficientFundsError is returned by pre-flight checks. No transaction
// has been built when it is returned.
type InsufficientFundsError struct {
	Kind      model.FundsKind
	Address   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: need %s, have %s",
		e.Kind, e.Address, e.Required.String(), e.Available.String())
}

func (e *InsufficientFundsError) Unwrap() error {
	return apperrors.ErrInsufficientFunds.WithDetails(map[string]string{
		"kind":      string(e.Kind),
		"address":   e.Address,
		"required":  e.Required.String(),
		"available": e.Available.String(),
	})
}

// PartialSettlementError reports a split payment whose teacher leg
// confirmed while the commission leg did not. Funds already moved; the
// commission has to be reconciled by an operator.
type PartialSettlementError struct {
	PurchaseID    string
	FailedLeg     int
	LastError     string
	LastGasPrice  decimal.Decimal
	TeacherTxHash string
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("purchase %s partially settled: leg %d failed: %s (last gas price %s wei, teacher tx %s)",
		e.PurchaseID, e.FailedLeg, e.LastError, e.LastGasPrice.String(), e.TeacherTxHash)
}

func (e *PartialSettlementError) Unwrap() error {
	return apperrors.ErrPartialSettlement.WithDetails(map[string]string{
		"purchase_id":     e.PurchaseID,
		"failed_leg":      fmt.Sprint(e.FailedLeg),
		"last_error":      e.LastError,
		"last_gas_price":  e.LastGasPrice.String(),
		"teacher_tx_hash": e.TeacherTxHash,
	})
}

func partialFromPayment(p *model.SplitPayment) *PartialSettlementError {
	return &PartialSettlementError{
		PurchaseID:    p.PurchaseID,
		FailedLeg:     p.FailedLeg,
		LastError:     p.LastError,
		LastGasPrice:  p.LastGasPrice,
		TeacherTxHash: p.TeacherTxHash,
	}
}
