package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/teocoin/teocoin-chain/internal/model"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrEscrowNotPending = errors.New("escrow is no longer pending")
)

// EscrowRepository persists discount escrows. Every status change is a
// single conditional UPDATE guarded by status = pending, so concurrent
// deciders and the expiry sweep can never both win.
type EscrowRepository interface {
	Create(ctx context.Context, escrow *model.Escrow) error
	GetByID(ctx context.Context, id string) (*model.Escrow, error)
	GetForTeacher(ctx context.Context, id, teacherID string) (*model.Escrow, error)

	// Transition moves a pending escrow to status, writing the extra
	// columns in updates. Returns ErrEscrowNotPending if another writer
	// got there first.
	Transition(ctx context.Context, id string, status model.EscrowStatus, updates map[string]interface{}) error
	// Expire marks a pending escrow expired if its deadline is before nowMs.
	// It reports whether this call performed the transition.
	Expire(ctx context.Context, id string, nowMs int64) (bool, error)
	ListExpiredPending(ctx context.Context, nowMs int64, limit int) ([]*model.Escrow, error)
	// ListReleasedPending returns confirmed release entries whose escrow is
	// still pending, oldest confirmation first.
	ListReleasedPending(ctx context.Context, limit int) ([]*model.ChainTransaction, error)

	ListByTeacher(ctx context.Context, teacherID string, status *model.EscrowStatus, page *Pagination) ([]*model.Escrow, error)
	// Stats fills the per-status counts and the accepted TEO total.
	Stats(ctx context.Context, teacherID string) (*model.EscrowStats, error)
}

type escrowRepository struct {
	*Repository
}

func NewEscrowRepository(db *gorm.DB) EscrowRepository {
	return &escrowRepository{Repository: NewRepository(db)}
}

func (r *escrowRepository) Create(ctx context.Context, escrow *model.Escrow) error {
	now := time.Now().UnixMilli()
	if escrow.CreatedAt == 0 {
		escrow.CreatedAt = now
	}
	escrow.UpdatedAt = escrow.CreatedAt
	return r.DB(ctx).Create(escrow).Error
}

func (r *escrowRepository) GetByID(ctx context.Context, id string) (*model.Escrow, error) {
	var escrow model.Escrow
	if err := r.DB(ctx).Where("id = ?", id).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

func (r *escrowRepository) GetForTeacher(ctx context.Context, id, teacherID string) (*model.Escrow, error) {
	var escrow model.Escrow
	err := r.DB(ctx).Where("id = ? AND teacher_id = ?", id, teacherID).First(&escrow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

func (r *escrowRepository) Transition(ctx context.Context, id string, status model.EscrowStatus, updates map[string]interface{}) error {
	fields := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		fields[k] = v
	}
	fields["status"] = status
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UnixMilli()
	}

	result := r.DB(ctx).Model(&model.Escrow{}).
		Where("id = ? AND status = ?", id, model.EscrowStatusPending).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrEscrowNotPending
	}
	return nil
}

func (r *escrowRepository) Expire(ctx context.Context, id string, nowMs int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Escrow{}).
		Where("id = ? AND status = ? AND expires_at < ?", id, model.EscrowStatusPending, nowMs).
		Updates(map[string]interface{}{
			"status":     model.EscrowStatusExpired,
			"updated_at": nowMs,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *escrowRepository) ListExpiredPending(ctx context.Context, nowMs int64, limit int) ([]*model.Escrow, error) {
	var escrows []*model.Escrow
	err := r.DB(ctx).
		Where("status = ? AND expires_at < ?", model.EscrowStatusPending, nowMs).
		Order("expires_at ASC").
		Limit(limit).
		Find(&escrows).Error
	return escrows, err
}

func (r *escrowRepository) ListReleasedPending(ctx context.Context, limit int) ([]*model.ChainTransaction, error) {
	var entries []*model.ChainTransaction
	err := r.DB(ctx).
		Table("teo_chain_transactions AS t").
		Select("t.*").
		Joins("JOIN teo_escrows AS e ON e.id = t.ref_id").
		Where("t.ref_type = ? AND t.leg_index = ? AND t.status = ? AND e.status = ?",
			model.RefTypeEscrow, model.LegRelease, model.TxStatusConfirmed, model.EscrowStatusPending).
		Order("t.confirmed_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *escrowRepository) ListByTeacher(ctx context.Context, teacherID string, status *model.EscrowStatus, page *Pagination) ([]*model.Escrow, error) {
	query := r.DB(ctx).Model(&model.Escrow{}).Where("teacher_id = ?", teacherID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}
	var escrows []*model.Escrow
	err := query.Order("created_at DESC").Find(&escrows).Error
	return escrows, err
}

type escrowStatusCount struct {
	Status model.EscrowStatus
	Count  int64
}

func (r *escrowRepository) Stats(ctx context.Context, teacherID string) (*model.EscrowStats, error) {
	var rows []escrowStatusCount
	err := r.DB(ctx).Model(&model.Escrow{}).
		Select("status, COUNT(*) AS count").
		Where("teacher_id = ?", teacherID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &model.EscrowStats{TotalTeoEarned: decimal.Zero, AcceptanceRate: decimal.Zero}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case model.EscrowStatusPending:
			stats.Pending = row.Count
		case model.EscrowStatusAccepted:
			stats.Accepted = row.Count
		case model.EscrowStatusRejected:
			stats.Rejected = row.Count
		case model.EscrowStatusExpired:
			stats.Expired = row.Count
		}
	}

	var amounts []decimal.Decimal
	err = r.DB(ctx).Model(&model.Escrow{}).
		Where("teacher_id = ? AND status = ?", teacherID, model.EscrowStatusAccepted).
		Pluck("teocoin_amount", &amounts).Error
	if err != nil {
		return nil, err
	}
	for _, a := range amounts {
		stats.TotalTeoEarned = stats.TotalTeoEarned.Add(a)
	}
	return stats, nil
}
