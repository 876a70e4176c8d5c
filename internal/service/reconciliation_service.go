package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/blockchain"
	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// ReconcileConfig configures ReconciliationService.
type ReconcileConfig struct {
	// MinAge skips entries younger than this; their submitter is still waiting.
	MinAge time.Duration
	// DropAfter marks an entry failed when no receipt appeared for this long.
	DropAfter time.Duration
	BatchSize int
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked          int `json:"checked"`
	Confirmed        int `json:"confirmed"`
	Failed           int `json:"failed"`
	Dropped          int `json:"dropped"`
	StillPending     int `json:"still_pending"`
	PaymentsUpdated  int `json:"payments_updated"`
	EscrowsCompleted int `json:"escrows_completed"`
}

// ReconciliationTask tracks an operator-triggered pass.
type ReconciliationTask struct {
	TaskID       string           `json:"task_id"`
	Status       string           `json:"status"` // running/completed/failed
	Result       *ReconcileResult `json:"result,omitempty"`
	StartedAt    int64            `json:"started_at"`
	CompletedAt  int64            `json:"completed_at"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// ReconciliationService resolves ledger entries whose submitter stopped
// waiting: it polls their receipts, marks them confirmed or failed, and
// re-derives the payment or escrow that owns them.
type ReconciliationService struct {
	cfg      *ReconcileConfig
	chain    ChainGateway
	ledger   repository.LedgerRepository
	payments *PaymentService
	escrows  *EscrowService
	records  repository.ReconciliationRepository
	now      Clock

	tasks   map[string]*ReconciliationTask
	tasksMu sync.RWMutex
}

func NewReconciliationService(
	cfg *ReconcileConfig,
	chain ChainGateway,
	ledger repository.LedgerRepository,
	payments *PaymentService,
	escrows *EscrowService,
) *ReconciliationService {
	if cfg.MinAge == 0 {
		cfg.MinAge = 90 * time.Second
	}
	if cfg.DropAfter == 0 {
		cfg.DropAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconciliationService{
		cfg:      cfg,
		chain:    chain,
		ledger:   ledger,
		payments: payments,
		escrows:  escrows,
		now:      time.Now,
		tasks:    make(map[string]*ReconciliationTask),
	}
}

// SetAuditLog makes every pass that checked at least one entry leave a
// ReconciliationRecord. Passes that fail or drop entries are recorded as
// discrepancies for an operator to resolve.
func (s *ReconciliationService) SetAuditLog(records repository.ReconciliationRepository) {
	s.records = records
}

// ReconcilePending runs one pass over at most limit pending entries.
func (s *ReconciliationService) ReconcilePending(ctx context.Context, limit int) (*ReconcileResult, error) {
	return s.reconcile(ctx, limit, model.ReconcileTriggerScheduler, "")
}

func (s *ReconciliationService) reconcile(ctx context.Context, limit int, trigger, taskID string) (*ReconcileResult, error) {
	res, err := s.reconcilePass(ctx, limit)
	if res != nil && (res.Checked > 0 || res.EscrowsCompleted > 0) {
		s.audit(ctx, res, trigger, taskID)
	}
	return res, err
}

func (s *ReconciliationService) audit(ctx context.Context, res *ReconcileResult, trigger, taskID string) {
	if s.records == nil {
		return
	}
	record := &model.ReconciliationRecord{
		TaskID:           taskID,
		Trigger:          trigger,
		Checked:          res.Checked,
		Confirmed:        res.Confirmed,
		Failed:           res.Failed,
		Dropped:          res.Dropped,
		StillPending:     res.StillPending,
		PaymentsUpdated:  res.PaymentsUpdated,
		EscrowsCompleted: res.EscrowsCompleted,
		CheckedAt:        s.now().UnixMilli(),
	}
	if err := s.records.Create(context.WithoutCancel(ctx), record); err != nil {
		logger.Warn("failed to record reconciliation pass", zap.Error(err))
		return
	}
	if record.Status == model.ReconciliationStatusDiscrepancy {
		logger.Warn("reconciliation discrepancy recorded",
			zap.Int64("record_id", record.ID),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped))
	}
}

func (s *ReconciliationService) reconcilePass(ctx context.Context, limit int) (*ReconcileResult, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	now := s.now()
	entries, err := s.ledger.ListPending(ctx, now.Add(-s.cfg.MinAge).UnixMilli(), limit)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	purchases := make(map[string]struct{})
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		outcome := s.reconcileEntry(ctx, entry, now)
		metrics.RecordReconciled(outcome)
		switch outcome {
		case "confirmed":
			res.Confirmed++
		case "failed":
			res.Failed++
		case "dropped":
			res.Dropped++
		default:
			res.StillPending++
			continue
		}

		switch entry.RefType {
		case model.RefTypePurchase:
			purchases[entry.RefID] = struct{}{}
		case model.RefTypeEscrow:
			if entry.Status != model.TxStatusConfirmed || s.escrows == nil {
				continue
			}
			if err := s.escrows.CompleteRelease(ctx, entry); err != nil {
				logger.Warn("failed to complete escrow release",
					zap.String("escrow_id", entry.RefID),
					zap.Error(err))
				continue
			}
			res.EscrowsCompleted++
		}
	}

	for purchaseID := range purchases {
		changed, err := s.payments.ReconcilePayment(ctx, purchaseID)
		if err != nil {
			logger.Warn("failed to reconcile payment",
				zap.String("purchase_id", purchaseID),
				zap.Error(err))
			continue
		}
		if changed {
			res.PaymentsUpdated++
		}
	}

	if s.escrows != nil {
		// releases confirmed earlier whose escrow write was lost
		n, err := s.escrows.CompleteConfirmedReleases(ctx, limit)
		if err != nil {
			logger.Warn("failed to list released escrows", zap.Error(err))
		}
		res.EscrowsCompleted += n
	}

	if pending, err := s.ledger.CountByStatus(ctx, model.TxStatusPending); err == nil {
		metrics.UpdateLedgerPending(pending)
	}
	if res.Checked > 0 || res.EscrowsCompleted > 0 {
		logger.Info("ledger reconciled",
			zap.Int("checked", res.Checked),
			zap.Int("confirmed", res.Confirmed),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
			zap.Int("still_pending", res.StillPending),
			zap.Int("payments_updated", res.PaymentsUpdated),
			zap.Int("escrows_completed", res.EscrowsCompleted))
	}
	return res, nil
}

// reconcileEntry resolves one entry and returns its outcome label.
func (s *ReconciliationService) reconcileEntry(ctx context.Context, entry *model.ChainTransaction, now time.Time) string {
	receipt, err := s.chain.GetReceipt(ctx, entry.TxHash)
	switch {
	case err == nil:
		if applyErr := s.payments.applyReceipt(ctx, entry, receipt); applyErr != nil && entry.Status != model.TxStatusFailed {
			logger.Warn("failed to record receipt",
				zap.String("tx_hash", entry.TxHash),
				zap.Error(applyErr))
			return "still_pending"
		}
		if entry.Status == model.TxStatusFailed {
			return "failed"
		}
		return "confirmed"

	case errors.Is(err, blockchain.ErrReceiptNotFound):
		age := now.Sub(time.UnixMilli(entry.SubmittedAt))
		if age < s.cfg.DropAfter {
			return "still_pending"
		}
		reason := fmt.Sprintf("dropped: no receipt after %s", age.Truncate(time.Second))
		s.payments.markFailed(ctx, entry, reason)
		logger.Warn("ledger entry dropped",
			zap.String("key", entry.IdempotencyKey),
			zap.String("tx_hash", entry.TxHash),
			zap.Int64("nonce", entry.Nonce))
		return "dropped"

	default:
		logger.Debug("receipt lookup failed",
			zap.String("tx_hash", entry.TxHash),
			zap.Error(err))
		return "still_pending"
	}
}

// TriggerReconciliation starts a pass in the background and returns its
// task id.
func (s *ReconciliationService) TriggerReconciliation(ctx context.Context, limit int) string {
	task := &ReconciliationTask{
		TaskID:    uuid.New().String(),
		Status:    "running",
		StartedAt: s.now().UnixMilli(),
	}

	s.tasksMu.Lock()
	s.tasks[task.TaskID] = task
	s.tasksMu.Unlock()

	go s.runTask(context.WithoutCancel(ctx), task, limit)

	logger.Info("reconciliation triggered", zap.String("task_id", task.TaskID))
	return task.TaskID
}

func (s *ReconciliationService) runTask(ctx context.Context, task *ReconciliationTask, limit int) {
	defer func() {
		if r := recover(); r != nil {
			s.completeTask(task, nil, fmt.Errorf("panic: %v", r))
			logger.Error("reconciliation panic",
				zap.String("task_id", task.TaskID),
				zap.Any("panic", r))
		}
	}()

	res, err := s.reconcile(ctx, limit, model.ReconcileTriggerManual, task.TaskID)
	s.completeTask(task, res, err)
}

func (s *ReconciliationService) completeTask(task *ReconciliationTask, res *ReconcileResult, err error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	task.Result = res
	task.CompletedAt = s.now().UnixMilli()
	if err != nil {
		task.Status = "failed"
		task.ErrorMessage = err.Error()
		return
	}
	task.Status = "completed"
}

// GetTaskStatus returns a copy of the task.
func (s *ReconciliationService) GetTaskStatus(taskID string) (*ReconciliationTask, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *task
	return &cp, true
}

// CleanupOldTasks forgets tasks completed more than maxAge ago.
func (s *ReconciliationService) CleanupOldTasks(maxAge time.Duration) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	cutoff := s.now().Add(-maxAge).UnixMilli()
	for taskID, task := range s.tasks {
		if task.CompletedAt > 0 && task.CompletedAt < cutoff {
			delete(s.tasks, taskID)
		}
	}
}

// ListRecords pages through the reconciliation audit trail, newest first.
func (s *ReconciliationService) ListRecords(ctx context.Context, status *model.ReconciliationStatus, page *repository.Pagination) ([]*model.ReconciliationRecord, error) {
	if s.records == nil {
		return []*model.ReconciliationRecord{}, nil
	}
	return s.records.List(ctx, status, page)
}

// ResolveRecord closes a discrepancy as resolved or ignored.
func (s *ReconciliationService) ResolveRecord(ctx context.Context, id int64, status model.ReconciliationStatus, resolution, resolvedBy string) (*model.ReconciliationRecord, error) {
	if status != model.ReconciliationStatusResolved && status != model.ReconciliationStatusIgnored {
		return nil, apperrors.ErrInvalidParam.WithDetail("status", string(status))
	}
	if resolvedBy == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("resolved_by", "required")
	}
	if s.records == nil {
		return nil, apperrors.ErrNotFound.WithDetail("record_id", fmt.Sprint(id))
	}

	err := s.records.Resolve(ctx, id, status, resolution, resolvedBy)
	switch {
	case errors.Is(err, repository.ErrReconciliationNotFound):
		return nil, apperrors.ErrNotFound.WithDetail("record_id", fmt.Sprint(id))
	case errors.Is(err, repository.ErrReconciliationSettled):
		return nil, apperrors.ErrInvalidParam.WithMessage("record is not an open discrepancy").WithDetail("record_id", fmt.Sprint(id))
	case err != nil:
		return nil, err
	}

	logger.Info("reconciliation discrepancy closed",
		zap.Int64("record_id", id),
		zap.String("status", string(status)),
		zap.String("resolved_by", resolvedBy))
	return s.records.GetByID(ctx, id)
}
