package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/teocoin/teocoin-chain/internal/model"
)

var ErrSplitPaymentNotFound = errors.New("split payment not found")

// SplitPaymentRepository stores purchase settlements, one per purchase id.
type SplitPaymentRepository interface {
	// Create inserts payment. If a row for the purchase id already exists it
	// is loaded into payment and created is false.
	Create(ctx context.Context, payment *model.SplitPayment) (created bool, err error)
	GetByPurchaseID(ctx context.Context, purchaseID string) (*model.SplitPayment, error)
	Update(ctx context.Context, payment *model.SplitPayment) error
	ListByStatus(ctx context.Context, status model.SplitPaymentStatus, page *Pagination) ([]*model.SplitPayment, error)
}

type splitPaymentRepository struct {
	*Repository
}

func NewSplitPaymentRepository(db *gorm.DB) SplitPaymentRepository {
	return &splitPaymentRepository{Repository: NewRepository(db)}
}

func (r *splitPaymentRepository) Create(ctx context.Context, payment *model.SplitPayment) (bool, error) {
	now := time.Now().UnixMilli()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	err := r.DB(ctx).Create(payment).Error
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, err
	}
	existing, err := r.GetByPurchaseID(ctx, payment.PurchaseID)
	if err != nil {
		return false, err
	}
	*payment = *existing
	return false, nil
}

func (r *splitPaymentRepository) GetByPurchaseID(ctx context.Context, purchaseID string) (*model.SplitPayment, error) {
	var payment model.SplitPayment
	err := r.DB(ctx).Where("purchase_id = ?", purchaseID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSplitPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// Update writes the settlement outcome fields. Amounts and addresses are
// fixed at creation and never rewritten.
func (r *splitPaymentRepository) Update(ctx context.Context, payment *model.SplitPayment) error {
	payment.UpdatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.SplitPayment{}).
		Where("purchase_id = ?", payment.PurchaseID).
		Updates(map[string]interface{}{
			"status":             payment.Status,
			"teacher_tx_hash":    payment.TeacherTxHash,
			"commission_tx_hash": payment.CommissionTxHash,
			"failed_leg":         payment.FailedLeg,
			"last_error":         payment.LastError,
			"last_gas_price":     payment.LastGasPrice,
			"settled_at":         payment.SettledAt,
			"updated_at":         payment.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSplitPaymentNotFound
	}
	return nil
}

func (r *splitPaymentRepository) ListByStatus(ctx context.Context, status model.SplitPaymentStatus, page *Pagination) ([]*model.SplitPayment, error) {
	query := r.DB(ctx).Model(&model.SplitPayment{}).Where("status = ?", status)
	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}
	var payments []*model.SplitPayment
	err := query.Order("created_at DESC").Find(&payments).Error
	return payments, err
}
