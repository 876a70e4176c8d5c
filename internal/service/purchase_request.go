package service

import (
	"context"

	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

// NewSettleRequest turns an inbound purchase request into a SettleRequest.
// A missing commission rate is resolved through rates by teacher id.
func NewSettleRequest(ctx context.Context, p *model.PurchaseRequest, rates CommissionRateProvider) (*SettleRequest, error) {
	mode, ok := model.ParsePaymentMode(p.Mode)
	if !ok {
		return nil, apperrors.ErrInvalidParam.WithDetail("mode", p.Mode)
	}

	req := &SettleRequest{
		PurchaseID:       p.PurchaseID,
		StudentAddress:   p.StudentAddress,
		TeacherAddress:   p.TeacherAddress,
		TeacherID:        p.TeacherID,
		Amount:           p.Amount,
		Mode:             mode,
		TeacherTxHash:    p.TeacherTxHash,
		CommissionTxHash: p.CommissionTxHash,
	}

	switch {
	case p.CommissionRate != nil:
		req.CommissionRate = *p.CommissionRate
	case rates != nil:
		rate, err := rates.CommissionRateFor(ctx, p.TeacherID)
		if err != nil {
			return nil, err
		}
		req.CommissionRate = rate
	default:
		req.CommissionRate = DefaultCommissionRate
	}
	return req, nil
}
