package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/lock"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// EscrowConfig configures EscrowService.
type EscrowConfig struct {
	Duration       time.Duration
	SweepBatchSize int
}

// EscrowService runs the teacher decision on TEO discounts.
//
// An escrow starts pending and moves exactly once, to accepted, rejected
// or expired. Every move is a conditional update on status = pending, and
// decisions on one escrow are serialized through the locker so the release
// transfer and the status change cannot interleave with the expiry sweep.
type EscrowService struct {
	cfg      *EscrowConfig
	escrows  repository.EscrowRepository
	ledger   repository.LedgerRepository
	payments *PaymentService
	rates    CommissionRateProvider
	locker   lock.Locker

	publisher EventPublisher
	notifier  Notifier
	now       Clock
}

func NewEscrowService(
	cfg *EscrowConfig,
	escrows repository.EscrowRepository,
	ledger repository.LedgerRepository,
	payments *PaymentService,
	rates CommissionRateProvider,
	locker lock.Locker,
) *EscrowService {
	if cfg.Duration == 0 {
		cfg.Duration = model.DefaultEscrowDuration
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &EscrowService{
		cfg:       cfg,
		escrows:   escrows,
		ledger:    ledger,
		payments:  payments,
		rates:     rates,
		locker:    locker,
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
		now:       time.Now,
	}
}

func (s *EscrowService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *EscrowService) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// SetClock replaces the time source.
func (s *EscrowService) SetClock(c Clock) {
	if c != nil {
		s.now = c
	}
}

// CreateEscrow opens a pending escrow and tells the teacher both options.
func (s *EscrowService) CreateEscrow(ctx context.Context, req *model.EscrowRequest) (*model.Escrow, error) {
	if req.StudentID == "" || req.TeacherID == "" || req.CourseID == "" {
		return nil, apperrors.ErrInvalidParam.WithMessage("student_id, teacher_id and course_id are required")
	}
	if req.TeocoinAmount.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount.WithDetail("field", "teocoin_amount")
	}
	if req.OriginalPrice.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount.WithDetail("field", "original_price")
	}
	if req.DiscountPercentage.Sign() <= 0 || req.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperrors.ErrInvalidParam.WithDetail("field", "discount_percentage")
	}

	escrow := &model.Escrow{
		ID:                 uuid.New().String(),
		StudentID:          req.StudentID,
		TeacherID:          req.TeacherID,
		CourseID:           req.CourseID,
		TeocoinAmount:      req.TeocoinAmount,
		DiscountPercentage: req.DiscountPercentage,
		OriginalPrice:      req.OriginalPrice,
		Status:             model.EscrowStatusPending,
	}
	if req.StudentWallet != "" {
		addr, err := parseAddress("student_wallet", req.StudentWallet)
		if err != nil {
			return nil, err
		}
		escrow.StudentWallet = addr.Hex()
	}
	if req.TeacherWallet != "" {
		addr, err := parseAddress("teacher_wallet", req.TeacherWallet)
		if err != nil {
			return nil, err
		}
		escrow.TeacherWallet = addr.Hex()
	}
	if req.EscrowTxHash != "" {
		hash, err := model.NormalizeTxHash(req.EscrowTxHash)
		if err != nil {
			return nil, apperrors.ErrInvalidParam.WithDetail("field", "escrow_tx_hash")
		}
		escrow.EscrowTxHash = hash
	}

	rate, err := s.rates.CommissionRateFor(ctx, req.TeacherID)
	if err != nil {
		return nil, err
	}
	quote := model.QuoteEscrow(req.OriginalPrice, req.DiscountPercentage, rate)
	escrow.CommissionRate = rate
	escrow.DiscountEuroAmount = quote.DiscountEuroAmount
	escrow.StandardCommission = quote.StandardCommission
	escrow.ReducedCommission = quote.ReducedCommission

	now := s.now()
	escrow.CreatedAt = now.UnixMilli()
	escrow.ExpiresAt = now.Add(s.cfg.Duration).UnixMilli()

	if err := s.escrows.Create(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.RecordEscrowTransition(model.EscrowStatusPending.String())
	logger.Info("escrow created",
		zap.String("escrow_id", escrow.ID),
		zap.String("teacher_id", escrow.TeacherID),
		zap.String("teocoin_amount", escrow.TeocoinAmount.String()),
		zap.Int64("expires_at", escrow.ExpiresAt))

	s.notify(ctx, escrow.TeacherID, model.NotifyEscrowCreated, map[string]string{
		"escrow_id":           escrow.ID,
		"course_id":           escrow.CourseID,
		"teocoin_amount":      escrow.TeocoinAmount.String(),
		"discount_euro":       escrow.DiscountEuroAmount.StringFixed(2),
		"euro_if_accepted":    escrow.TeacherEuroIfAccepted().StringFixed(2),
		"euro_if_rejected":    escrow.TeacherEuroIfRejected().StringFixed(2),
		"standard_commission": escrow.StandardCommission.StringFixed(2),
		"reduced_commission":  escrow.ReducedCommission.StringFixed(2),
		"expires_at":          time.UnixMilli(escrow.ExpiresAt).UTC().Format(time.RFC3339),
	})
	s.publish(ctx, escrow)
	return escrow, nil
}

// GetEscrow returns an escrow owned by teacherID.
func (s *EscrowService) GetEscrow(ctx context.Context, id, teacherID string) (*model.Escrow, error) {
	escrow, err := s.escrows.GetForTeacher(ctx, id, teacherID)
	if errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, apperrors.ErrEscrowNotFound.WithDetail("escrow_id", id)
	}
	return escrow, err
}

func (s *EscrowService) ListTeacherEscrows(ctx context.Context, teacherID string, status *model.EscrowStatus, page *repository.Pagination) ([]*model.Escrow, error) {
	return s.escrows.ListByTeacher(ctx, teacherID, status, page)
}

// Accept releases the escrowed TEO to the teacher and marks the escrow
// accepted. payoutWallet overrides the wallet recorded at creation.
func (s *EscrowService) Accept(ctx context.Context, id, teacherID, payoutWallet string) (*model.Escrow, error) {
	var escrow *model.Escrow
	err := s.withEscrowLock(ctx, id, func(ctx context.Context) error {
		var err error
		escrow, err = s.accept(ctx, id, teacherID, payoutWallet)
		return err
	})
	return escrow, err
}

func (s *EscrowService) accept(ctx context.Context, id, teacherID, payoutWallet string) (*model.Escrow, error) {
	escrow, err := s.GetEscrow(ctx, id, teacherID)
	if err != nil {
		return nil, err
	}
	// an earlier Accept may have paid out without recording the decision
	done, err := s.settleConfirmedRelease(ctx, escrow)
	if err != nil {
		return nil, err
	}
	if done {
		return escrow, nil
	}
	if err := s.checkDecidable(escrow); err != nil {
		return nil, err
	}

	wallet := escrow.TeacherWallet
	if payoutWallet != "" {
		wallet = payoutWallet
	}
	if strings.TrimSpace(wallet) == "" {
		return nil, apperrors.ErrMissingWallet.WithDetail("teacher_id", teacherID)
	}
	to, err := parseAddress("teacher_wallet", wallet)
	if err != nil {
		return nil, apperrors.ErrMissingWallet.WithDetail("teacher_id", teacherID)
	}

	release, err := s.payments.TransferSingle(ctx, &TransferRequest{
		IdempotencyKey: releaseKey(escrow.ID),
		RefType:        model.RefTypeEscrow,
		RefID:          escrow.ID,
		To:             to.Hex(),
		Amount:         escrow.TeocoinAmount,
	})
	if err != nil {
		logger.Warn("escrow release transfer did not confirm",
			zap.String("escrow_id", escrow.ID),
			zap.Error(err))
		return escrow, err
	}

	if err := s.completeAccept(ctx, escrow, release); err != nil {
		// funds moved; a retried Accept, the sweep or reconciliation records it
		logger.Error("escrow released but status update failed",
			zap.String("escrow_id", escrow.ID),
			zap.String("release_tx_hash", release.TxHash),
			zap.Error(err))
		return escrow, s.mapRepoError(id, err)
	}
	return escrow, nil
}

// completeAccept records a confirmed release on a pending escrow and tells
// the student. The caller holds the escrow lock. The payout wallet is taken
// from the release, which is where the TEO went.
func (s *EscrowService) completeAccept(ctx context.Context, escrow *model.Escrow, release *model.ChainTransaction) error {
	now := s.now().UnixMilli()
	err := s.escrows.Transition(ctx, escrow.ID, model.EscrowStatusAccepted, map[string]interface{}{
		"teacher_wallet":      release.ToAddress,
		"release_tx_hash":     release.TxHash,
		"teacher_decision_at": now,
		"updated_at":          now,
	})
	if err != nil {
		return err
	}
	escrow.Status = model.EscrowStatusAccepted
	escrow.TeacherWallet = release.ToAddress
	escrow.ReleaseTxHash = release.TxHash
	escrow.TeacherDecisionAt = now
	escrow.UpdatedAt = now

	metrics.RecordEscrowTransition(escrow.Status.String())
	logger.Info("escrow accepted",
		zap.String("escrow_id", escrow.ID),
		zap.String("teacher_wallet", escrow.TeacherWallet),
		zap.String("release_tx_hash", escrow.ReleaseTxHash))
	s.notify(ctx, escrow.StudentID, model.NotifyEscrowAccepted, map[string]string{
		"escrow_id":      escrow.ID,
		"course_id":      escrow.CourseID,
		"teocoin_amount": escrow.TeocoinAmount.String(),
		"discount_euro":  escrow.DiscountEuroAmount.StringFixed(2),
	})
	s.publish(ctx, escrow)
	return nil
}

// settleConfirmedRelease accepts a pending escrow whose release transfer is
// already confirmed in the ledger. It reports whether it did. The caller
// holds the escrow lock.
func (s *EscrowService) settleConfirmedRelease(ctx context.Context, escrow *model.Escrow) (bool, error) {
	if escrow.Status != model.EscrowStatusPending {
		return false, nil
	}
	release, err := s.findRelease(ctx, escrow.ID)
	if err != nil || release == nil || release.Status != model.TxStatusConfirmed {
		return false, err
	}
	if err := s.completeAccept(ctx, escrow, release); err != nil {
		return false, s.mapRepoError(escrow.ID, err)
	}
	return true, nil
}

// findRelease returns the latest release attempt, or nil if none was made.
func (s *EscrowService) findRelease(ctx context.Context, escrowID string) (*model.ChainTransaction, error) {
	entry, err := s.ledger.FindByIdempotencyKey(ctx, releaseKey(escrowID))
	if errors.Is(err, repository.ErrLedgerEntryNotFound) {
		return nil, nil
	}
	return entry, err
}

// Reject closes the escrow without moving TEO. The student pays the
// standard price split.
func (s *EscrowService) Reject(ctx context.Context, id, teacherID, notes string) (*model.Escrow, error) {
	var escrow *model.Escrow
	err := s.withEscrowLock(ctx, id, func(ctx context.Context) error {
		var err error
		escrow, err = s.GetEscrow(ctx, id, teacherID)
		if err != nil {
			return err
		}
		if _, err := s.settleConfirmedRelease(ctx, escrow); err != nil {
			return err
		}
		if err := s.checkDecidable(escrow); err != nil {
			return err
		}
		release, err := s.findRelease(ctx, id)
		if err != nil {
			return err
		}
		if release != nil && release.Status == model.TxStatusPending {
			// the teacher already accepted; the transfer decides the escrow
			return apperrors.ErrEscrowBusy.WithDetails(map[string]string{
				"escrow_id":       id,
				"release_tx_hash": release.TxHash,
			})
		}
		now := s.now().UnixMilli()
		err = s.escrows.Transition(ctx, id, model.EscrowStatusRejected, map[string]interface{}{
			"decision_notes":      notes,
			"teacher_decision_at": now,
			"updated_at":          now,
		})
		if err != nil {
			return s.mapRepoError(id, err)
		}
		escrow.Status = model.EscrowStatusRejected
		escrow.DecisionNotes = notes
		escrow.TeacherDecisionAt = now
		escrow.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordEscrowTransition(escrow.Status.String())
	logger.Info("escrow rejected", zap.String("escrow_id", escrow.ID))
	s.notify(ctx, escrow.StudentID, model.NotifyEscrowRejected, map[string]string{
		"escrow_id":      escrow.ID,
		"course_id":      escrow.CourseID,
		"original_price": escrow.OriginalPrice.StringFixed(2),
	})
	s.publish(ctx, escrow)
	return escrow, nil
}

// checkDecidable fails unless the escrow is pending and inside its window.
func (s *EscrowService) checkDecidable(escrow *model.Escrow) error {
	if escrow.Status != model.EscrowStatusPending {
		return apperrors.ErrEscrowAlreadyDecided.WithDetails(map[string]string{
			"escrow_id": escrow.ID,
			"status":    escrow.Status.String(),
		})
	}
	if escrow.IsExpiredAt(s.now()) {
		return apperrors.ErrEscrowExpired.WithDetail("escrow_id", escrow.ID)
	}
	return nil
}

func (s *EscrowService) mapRepoError(id string, err error) error {
	switch {
	case errors.Is(err, repository.ErrEscrowNotFound):
		return apperrors.ErrEscrowNotFound.WithDetail("escrow_id", id)
	case errors.Is(err, repository.ErrEscrowNotPending):
		return apperrors.ErrEscrowAlreadyDecided.WithDetail("escrow_id", id)
	default:
		return err
	}
}

func (s *EscrowService) withEscrowLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, escrowLockKey(id), fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return apperrors.ErrEscrowBusy.WithDetail("escrow_id", id)
	}
	return err
}

// SweepExpired expires pending escrows past their deadline and notifies
// both parties. Each escrow is notified by whichever caller performed its
// transition, so concurrent sweeps never notify twice.
func (s *EscrowService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	candidates, err := s.escrows.ListExpiredPending(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, escrow := range candidates {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		expired, err := s.expireOne(ctx, escrow, now)
		if err != nil {
			logger.Warn("failed to expire escrow",
				zap.String("escrow_id", escrow.ID),
				zap.Error(err))
			continue
		}
		if !expired {
			continue
		}
		count++
		escrow.Status = model.EscrowStatusExpired
		escrow.UpdatedAt = now

		metrics.RecordEscrowTransition(escrow.Status.String())
		payload := map[string]string{
			"escrow_id":      escrow.ID,
			"course_id":      escrow.CourseID,
			"teocoin_amount": escrow.TeocoinAmount.String(),
		}
		s.notify(ctx, escrow.TeacherID, model.NotifyEscrowExpiredTeacher, payload)
		s.notify(ctx, escrow.StudentID, model.NotifyEscrowExpiredStudent, payload)
		s.publish(ctx, escrow)
	}

	if count > 0 {
		logger.Info("expired escrows swept", zap.Int("count", count))
	}
	return count, nil
}

func (s *EscrowService) expireOne(ctx context.Context, escrow *model.Escrow, now int64) (bool, error) {
	var expired bool
	err := s.locker.WithLock(ctx, escrowLockKey(escrow.ID), func(ctx context.Context) error {
		// a release already broadcast decides the escrow, not the clock
		release, err := s.findRelease(ctx, escrow.ID)
		if err != nil {
			return err
		}
		if release != nil {
			switch release.Status {
			case model.TxStatusConfirmed:
				_, err := s.settleConfirmedRelease(ctx, escrow)
				return err
			case model.TxStatusPending:
				return nil
			}
		}
		expired, err = s.escrows.Expire(ctx, escrow.ID, now)
		return err
	})
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		// a decision is running; the next sweep will see its outcome
		return false, nil
	}
	return expired, err
}

// CompleteRelease marks an escrow accepted after its release transfer was
// confirmed outside Accept, for example by reconciliation.
func (s *EscrowService) CompleteRelease(ctx context.Context, entry *model.ChainTransaction) error {
	return s.locker.WithLock(ctx, escrowLockKey(entry.RefID), func(ctx context.Context) error {
		escrow, err := s.escrows.GetByID(ctx, entry.RefID)
		if err != nil {
			return err
		}
		if escrow.Status != model.EscrowStatusPending {
			return nil
		}
		err = s.completeAccept(ctx, escrow, entry)
		if errors.Is(err, repository.ErrEscrowNotPending) {
			return nil
		}
		return err
	})
}

// CompleteConfirmedReleases accepts pending escrows whose release already
// confirmed, such as after a status write failed in Accept. It returns how
// many it completed.
func (s *EscrowService) CompleteConfirmedReleases(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.SweepBatchSize
	}
	entries, err := s.escrows.ListReleasedPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, entry := range entries {
		if err := s.CompleteRelease(ctx, entry); err != nil {
			logger.Warn("failed to complete escrow release",
				zap.String("escrow_id", entry.RefID),
				zap.Error(err))
			continue
		}
		completed++
	}
	return completed, nil
}

// Statistics aggregates a teacher's escrow decisions.
func (s *EscrowService) Statistics(ctx context.Context, teacherID string) (*model.EscrowStats, error) {
	stats, err := s.escrows.Stats(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	stats.AcceptanceRate = decimal.Zero
	if stats.Total > 0 {
		stats.AcceptanceRate = decimal.NewFromInt(stats.Accepted).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(stats.Total)).
			Round(2)
	}
	return stats, nil
}

func (s *EscrowService) notify(ctx context.Context, userID, template string, payload map[string]string) {
	if userID == "" {
		return
	}
	n := &model.Notification{
		UserID:    userID,
		Template:  template,
		Payload:   payload,
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		logger.Warn("notification failed",
			zap.String("user_id", userID),
			zap.String("template", template),
			zap.Error(err))
	}
}

func (s *EscrowService) publish(ctx context.Context, escrow *model.Escrow) {
	event := &model.EscrowEvent{
		EscrowID:      escrow.ID,
		Status:        escrow.Status.String(),
		StudentID:     escrow.StudentID,
		TeacherID:     escrow.TeacherID,
		CourseID:      escrow.CourseID,
		TeocoinAmount: escrow.TeocoinAmount,
		ReleaseTxHash: escrow.ReleaseTxHash,
		Timestamp:     s.now().UnixMilli(),
	}
	if err := s.publisher.PublishEscrowEvent(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("failed to publish escrow event",
			zap.String("escrow_id", escrow.ID),
			zap.Error(err))
	}
}

func releaseKey(escrowID string) string {
	return model.LegKey(model.RefTypeEscrow, escrowID, model.LegRelease)
}

func escrowLockKey(id string) string {
	return "escrow:" + id
}
