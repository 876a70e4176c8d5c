package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

var ErrLedgerEntryNotFound = errors.New("ledger entry not found")

// LedgerRepository is the append-only transaction ledger. Rows are keyed by
// (idempotency_key, attempt); every signed attempt gets its own row.
type LedgerRepository interface {
	// Record appends an entry. Re-recording an identical entry is a no-op;
	// reusing the idempotency key for a different transfer fails with
	// apperrors.ErrDuplicateKey.
	Record(ctx context.Context, entry *model.ChainTransaction) error
	MarkConfirmed(ctx context.Context, txHash string, blockNumber, gasUsed int64) error
	MarkFailed(ctx context.Context, txHash, reason string) error

	// FindByIdempotencyKey returns the latest attempt for key.
	FindByIdempotencyKey(ctx context.Context, key string) (*model.ChainTransaction, error)
	ListAttempts(ctx context.Context, key string) ([]*model.ChainTransaction, error)
	FindByTxHash(ctx context.Context, txHash string) (*model.ChainTransaction, error)
	ListByRef(ctx context.Context, refType, refID string) ([]*model.ChainTransaction, error)
	// ListPending returns pending entries submitted before the cutoff, oldest first.
	ListPending(ctx context.Context, submittedBefore int64, limit int) ([]*model.ChainTransaction, error)
	CountByStatus(ctx context.Context, status model.TxStatus) (int64, error)
}

type ledgerRepository struct {
	*Repository
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{Repository: NewRepository(db)}
}

func (r *ledgerRepository) Record(ctx context.Context, entry *model.ChainTransaction) error {
	if entry.Attempt <= 0 {
		entry.Attempt = 1
	}

	latest, err := r.FindByIdempotencyKey(ctx, entry.IdempotencyKey)
	switch {
	case err == nil:
		if !latest.SameContent(entry) {
			return duplicateKey(entry)
		}
	case !errors.Is(err, ErrLedgerEntryNotFound):
		return err
	}

	now := time.Now().UnixMilli()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	err = r.DB(ctx).Create(entry).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}

	var existing model.ChainTransaction
	if err := r.DB(ctx).
		Where("idempotency_key = ? AND attempt = ?", entry.IdempotencyKey, entry.Attempt).
		First(&existing).Error; err != nil {
		return err
	}
	if !existing.SameContent(entry) || (entry.TxHash != "" && existing.TxHash != entry.TxHash) {
		return duplicateKey(entry)
	}
	*entry = existing
	return nil
}

func duplicateKey(entry *model.ChainTransaction) error {
	return apperrors.ErrDuplicateKey.WithDetails(map[string]string{
		"idempotency_key": entry.IdempotencyKey,
		"attempt":         strconv.Itoa(entry.Attempt),
	})
}

// MarkConfirmed records a successful receipt. Confirming an already
// confirmed entry is a no-op.
func (r *ledgerRepository) MarkConfirmed(ctx context.Context, txHash string, blockNumber, gasUsed int64) error {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.ChainTransaction{}).
		Where("tx_hash = ? AND status = ?", txHash, model.TxStatusPending).
		Updates(map[string]interface{}{
			"status":       model.TxStatusConfirmed,
			"block_number": blockNumber,
			"gas_used":     gasUsed,
			"confirmed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.checkTerminal(ctx, txHash, model.TxStatusConfirmed)
	}
	return nil
}

// MarkFailed records a rejection or revert.
func (r *ledgerRepository) MarkFailed(ctx context.Context, txHash, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	result := r.DB(ctx).Model(&model.ChainTransaction{}).
		Where("tx_hash = ? AND status = ?", txHash, model.TxStatusPending).
		Updates(map[string]interface{}{
			"status":        model.TxStatusFailed,
			"error_message": reason,
			"updated_at":    time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.checkTerminal(ctx, txHash, model.TxStatusFailed)
	}
	return nil
}

// checkTerminal tells a missing row apart from a row already in want.
func (r *ledgerRepository) checkTerminal(ctx context.Context, txHash string, want model.TxStatus) error {
	entry, err := r.FindByTxHash(ctx, txHash)
	if err != nil {
		return err
	}
	if entry.Status == want {
		return nil
	}
	return apperrors.ErrInvalidParam.WithMessagef("ledger entry %s is already %s", txHash, entry.Status)
}

func (r *ledgerRepository) FindByIdempotencyKey(ctx context.Context, key string) (*model.ChainTransaction, error) {
	var entry model.ChainTransaction
	err := r.DB(ctx).Where("idempotency_key = ?", key).Order("attempt DESC").First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepository) ListAttempts(ctx context.Context, key string) ([]*model.ChainTransaction, error) {
	var entries []*model.ChainTransaction
	err := r.DB(ctx).Where("idempotency_key = ?", key).Order("attempt ASC").Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) FindByTxHash(ctx context.Context, txHash string) (*model.ChainTransaction, error) {
	var entry model.ChainTransaction
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepository) ListByRef(ctx context.Context, refType, refID string) ([]*model.ChainTransaction, error) {
	var entries []*model.ChainTransaction
	err := r.DB(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("leg_index ASC, attempt ASC").
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) ListPending(ctx context.Context, submittedBefore int64, limit int) ([]*model.ChainTransaction, error) {
	var entries []*model.ChainTransaction
	err := r.DB(ctx).
		Where("status = ? AND tx_hash <> '' AND submitted_at > 0 AND submitted_at < ?", model.TxStatusPending, submittedBefore).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) CountByStatus(ctx context.Context, status model.TxStatus) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ChainTransaction{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
