package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/teocoin/teocoin-chain/internal/model"
)

var (
	ErrReconciliationNotFound = errors.New("reconciliation record not found")
	ErrReconciliationSettled  = errors.New("reconciliation record already resolved")
)

// ReconciliationRepository keeps the audit trail of reconciliation passes.
type ReconciliationRepository interface {
	Create(ctx context.Context, record *model.ReconciliationRecord) error
	GetByID(ctx context.Context, id int64) (*model.ReconciliationRecord, error)
	// Resolve closes a discrepancy as resolved or ignored.
	Resolve(ctx context.Context, id int64, status model.ReconciliationStatus, resolution, resolvedBy string) error

	List(ctx context.Context, status *model.ReconciliationStatus, page *Pagination) ([]*model.ReconciliationRecord, error)
	CountDiscrepancies(ctx context.Context) (int64, error)
}

type reconciliationRepository struct {
	*Repository
}

func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{Repository: NewRepository(db)}
}

func (r *reconciliationRepository) Create(ctx context.Context, record *model.ReconciliationRecord) error {
	record.CreatedAt = time.Now().UnixMilli()
	if record.CheckedAt == 0 {
		record.CheckedAt = record.CreatedAt
	}
	if record.Status == "" {
		record.Status = model.ReconciliationStatusOK
		if record.HasDiscrepancy() {
			record.Status = model.ReconciliationStatusDiscrepancy
		}
	}
	return r.DB(ctx).Create(record).Error
}

func (r *reconciliationRepository) GetByID(ctx context.Context, id int64) (*model.ReconciliationRecord, error) {
	var record model.ReconciliationRecord
	err := r.DB(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReconciliationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *reconciliationRepository) Resolve(ctx context.Context, id int64, status model.ReconciliationStatus, resolution, resolvedBy string) error {
	result := r.DB(ctx).Model(&model.ReconciliationRecord{}).
		Where("id = ? AND status = ?", id, model.ReconciliationStatusDiscrepancy).
		Updates(map[string]interface{}{
			"status":      status,
			"resolution":  resolution,
			"resolved_by": resolvedBy,
			"resolved_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrReconciliationSettled
	}
	return nil
}

func (r *reconciliationRepository) List(ctx context.Context, status *model.ReconciliationStatus, page *Pagination) ([]*model.ReconciliationRecord, error) {
	var records []*model.ReconciliationRecord

	query := r.DB(ctx).Model(&model.ReconciliationRecord{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("checked_at DESC, id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&records).Error
	return records, err
}

func (r *reconciliationRepository) CountDiscrepancies(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ReconciliationRecord{}).
		Where("status = ?", model.ReconciliationStatusDiscrepancy).
		Count(&count).Error
	return count, err
}
