package service

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/blockchain"
	"github.com/teocoin/teocoin-chain/internal/contract"
	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/lock"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// PaymentConfig configures PaymentService.
type PaymentConfig struct {
	TokenAddress common.Address
	// RewardPool receives commission. Defaults to the hot wallet.
	RewardPool common.Address
	// MaxAttempts bounds submissions per leg, first attempt included.
	MaxAttempts    int
	ReceiptTimeout time.Duration
	// Gas limits used when estimation fails, before the safety multiplier.
	TransferGasLimit     uint64
	TransferFromGasLimit uint64
	MinGasPrice          *big.Int
	MaxGasPrice          *big.Int
}

// SettleRequest is one purchase to settle.
type SettleRequest struct {
	PurchaseID     string
	StudentAddress string
	TeacherAddress string
	// TeacherID is only used to address notifications.
	TeacherID      string
	Amount         decimal.Decimal
	CommissionRate decimal.Decimal
	Mode           model.PaymentMode
	// Direct mode only: the student's two signed transfers.
	TeacherTxHash    string
	CommissionTxHash string
}

// TransferRequest is a single hot-wallet transfer, used for escrow release.
type TransferRequest struct {
	IdempotencyKey string
	RefType        string
	RefID          string
	To             string
	Amount         decimal.Decimal
}

// PaymentService settles course purchases on chain.
type PaymentService struct {
	cfg      *PaymentConfig
	chain    ChainGateway
	token    *contract.TeoCoin
	fees     *contract.FeeEstimator
	nonces   *blockchain.NonceManager
	wallet   *WalletLedger
	ledger   repository.LedgerRepository
	payments repository.SplitPaymentRepository
	locker   lock.Locker

	publisher EventPublisher
	notifier  Notifier
	now       Clock
}

func NewPaymentService(
	cfg *PaymentConfig,
	chain ChainGateway,
	token *contract.TeoCoin,
	fees *contract.FeeEstimator,
	nonces *blockchain.NonceManager,
	wallet *WalletLedger,
	ledger repository.LedgerRepository,
	payments repository.SplitPaymentRepository,
	locker lock.Locker,
) *PaymentService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 90 * time.Second
	}
	if cfg.TransferGasLimit == 0 {
		cfg.TransferGasLimit = model.OperationGasLimits[model.OpTransfer]
	}
	if cfg.TransferFromGasLimit == 0 {
		cfg.TransferFromGasLimit = model.OperationGasLimits[model.OpTransferFrom]
	}
	if cfg.RewardPool == (common.Address{}) {
		cfg.RewardPool = chain.Address()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &PaymentService{
		cfg:       cfg,
		chain:     chain,
		token:     token,
		fees:      fees,
		nonces:    nonces,
		wallet:    wallet,
		ledger:    ledger,
		payments:  payments,
		locker:    locker,
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
		now:       time.Now,
	}
}

func (s *PaymentService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *PaymentService) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// RewardPool returns the commission destination.
func (s *PaymentService) RewardPool() common.Address {
	return s.cfg.RewardPool
}

// GetPayment returns the recorded settlement of a purchase.
func (s *PaymentService) GetPayment(ctx context.Context, purchaseID string) (*model.SplitPayment, error) {
	p, err := s.payments.GetByPurchaseID(ctx, purchaseID)
	if errors.Is(err, repository.ErrSplitPaymentNotFound) {
		return nil, apperrors.ErrPaymentNotFound.WithDetail("purchase_id", purchaseID)
	}
	return p, err
}

// Preflight runs the funds checks for a purchase without settling it.
func (s *PaymentService) Preflight(ctx context.Context, student, teacher string, amount decimal.Decimal, mode model.PaymentMode) (*model.PrereqResult, error) {
	studentAddr, err := parseAddress("student_address", student)
	if err != nil {
		return nil, err
	}
	teacherAddr, err := parseAddress("teacher_address", teacher)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	return s.wallet.PreflightPurchase(ctx, studentAddr, teacherAddr, amount, mode, 2)
}

// legState is the ledger view of one leg.
type legState int

const (
	legMissing legState = iota
	legPending
	legConfirmed
	legFailed
)

type leg struct {
	index  int
	key    string
	to     common.Address
	amount decimal.Decimal

	entry *model.ChainTransaction // latest attempt
	err   error
}

func (l *leg) state() legState {
	if l == nil {
		// a zero-amount leg needs no transfer
		return legConfirmed
	}
	if l.entry == nil {
		return legMissing
	}
	switch l.entry.Status {
	case model.TxStatusConfirmed:
		return legConfirmed
	case model.TxStatusFailed:
		return legFailed
	default:
		return legPending
	}
}

func (l *leg) lastError() string {
	if l.err != nil {
		return l.err.Error()
	}
	if l.entry != nil {
		return l.entry.ErrorMessage
	}
	return ""
}

type purchase struct {
	student common.Address
	teacher common.Address
	amount  decimal.Decimal
	rate    decimal.Decimal
}

// SettlePurchase splits amount between teacher and reward pool and settles
// both legs. Direct mode verifies the student's own transfers; sponsored
// mode submits transferFrom legs from the hot wallet with nonces n and n+1.
//
// Calls are idempotent per purchase id: a settled purchase is returned as
// recorded, confirmed legs are never resubmitted and pending legs are
// awaited instead of resubmitted.
func (s *PaymentService) SettlePurchase(ctx context.Context, req *SettleRequest) (*model.SplitPayment, error) {
	start := s.now()
	pc, err := s.validate(req)
	if err != nil {
		metrics.RecordSettlement(req.Mode.String(), "rejected", 0)
		return nil, err
	}

	var payment *model.SplitPayment
	err = s.locker.WithLock(ctx, "purchase:"+req.PurchaseID, func(ctx context.Context) error {
		var err error
		if req.Mode == model.PaymentModeDirect {
			payment, err = s.verifyDirect(ctx, req, pc)
		} else {
			payment, err = s.settleSponsored(ctx, req, pc)
		}
		return err
	})
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		err = apperrors.ErrSettlementBusy.WithDetail("purchase_id", req.PurchaseID)
	}

	status := "rejected"
	if payment != nil {
		status = payment.Status.String()
	}
	metrics.RecordSettlement(req.Mode.String(), status, s.now().Sub(start).Seconds())
	return payment, err
}

// VerifyDirectPayment checks the student's two signed transfers against the
// purchase and records them. It is SettlePurchase in direct mode.
func (s *PaymentService) VerifyDirectPayment(ctx context.Context, req *SettleRequest) (*model.SplitPayment, error) {
	req.Mode = model.PaymentModeDirect
	return s.SettlePurchase(ctx, req)
}

func (s *PaymentService) validate(req *SettleRequest) (*purchase, error) {
	if strings.TrimSpace(req.PurchaseID) == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("field", "purchase_id")
	}
	if req.Mode != model.PaymentModeDirect && req.Mode != model.PaymentModeSponsored {
		return nil, apperrors.ErrInvalidParam.WithDetail("field", "mode")
	}
	if req.Amount.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	if _, err := model.ToWei(req.Amount); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidAmount, err)
	}
	if !validRate(req.CommissionRate) {
		return nil, apperrors.ErrInvalidCommission.WithDetail("commission_rate", req.CommissionRate.String())
	}
	student, err := parseAddress("student_address", req.StudentAddress)
	if err != nil {
		return nil, err
	}
	teacher, err := parseAddress("teacher_address", req.TeacherAddress)
	if err != nil {
		return nil, err
	}
	return &purchase{student: student, teacher: teacher, amount: req.Amount, rate: req.CommissionRate}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	normalized, err := model.NormalizeAddress(s)
	if err != nil {
		return common.Address{}, apperrors.ErrInvalidAddress.WithDetail("field", field)
	}
	addr := common.HexToAddress(normalized)
	if addr == (common.Address{}) {
		return common.Address{}, apperrors.ErrInvalidAddress.WithDetail("field", field)
	}
	return addr, nil
}

// openPayment creates the SplitPayment or loads the existing one. Reusing a
// purchase id for a different purchase is rejected.
func (s *PaymentService) openPayment(ctx context.Context, req *SettleRequest, pc *purchase) (*model.SplitPayment, error) {
	teacherAmount, commission := model.ComputeSplit(pc.amount, pc.rate)
	p := &model.SplitPayment{
		PurchaseID:       req.PurchaseID,
		Mode:             req.Mode,
		StudentAddress:   pc.student.Hex(),
		TeacherAddress:   pc.teacher.Hex(),
		RewardPool:       s.cfg.RewardPool.Hex(),
		Amount:           pc.amount,
		CommissionRate:   pc.rate,
		TeacherAmount:    teacherAmount,
		CommissionAmount: commission,
		Status:           model.SplitPaymentStatusPending,
		LastGasPrice:     decimal.Zero,
	}
	created, err := s.payments.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	if !created {
		if p.Mode != req.Mode ||
			p.StudentAddress != pc.student.Hex() ||
			p.TeacherAddress != pc.teacher.Hex() ||
			!p.Amount.Equal(pc.amount) ||
			!p.CommissionRate.Equal(pc.rate) {
			return nil, apperrors.ErrDuplicateKey.WithDetail("purchase_id", req.PurchaseID)
		}
	}
	return p, nil
}

// terminalResult replays the outcome of an already final payment.
func terminalResult(p *model.SplitPayment) (*model.SplitPayment, error) {
	if p.Status == model.SplitPaymentStatusPartiallySettled {
		return p, partialFromPayment(p)
	}
	return p, nil
}

// planLegs lists the transfers of a payment. Zero-amount legs are omitted.
func planLegs(p *model.SplitPayment) (teacherLeg, commissionLeg *leg) {
	if p.TeacherAmount.Sign() > 0 {
		teacherLeg = &leg{
			index:  model.LegTeacher,
			key:    model.LegKey(model.RefTypePurchase, p.PurchaseID, model.LegTeacher),
			to:     common.HexToAddress(p.TeacherAddress),
			amount: p.TeacherAmount,
		}
	}
	if p.CommissionAmount.Sign() > 0 {
		commissionLeg = &leg{
			index:  model.LegCommission,
			key:    model.LegKey(model.RefTypePurchase, p.PurchaseID, model.LegCommission),
			to:     common.HexToAddress(p.RewardPool),
			amount: p.CommissionAmount,
		}
	}
	return teacherLeg, commissionLeg
}

func nonNil(legs ...*leg) []*leg {
	out := make([]*leg, 0, len(legs))
	for _, l := range legs {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (s *PaymentService) loadLegs(ctx context.Context, legs []*leg) error {
	for _, l := range legs {
		entry, err := s.ledger.FindByIdempotencyKey(ctx, l.key)
		if errors.Is(err, repository.ErrLedgerEntryNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		l.entry = entry
	}
	return nil
}

func (s *PaymentService) settleSponsored(ctx context.Context, req *SettleRequest, pc *purchase) (*model.SplitPayment, error) {
	payment, err := s.openPayment(ctx, req, pc)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return terminalResult(payment)
	}

	teacherLeg, commissionLeg := planLegs(payment)
	legs := nonNil(teacherLeg, commissionLeg)
	if err := s.loadLegs(ctx, legs); err != nil {
		return payment, err
	}

	// legs left pending by an earlier call are awaited before anything new
	// is signed
	s.awaitLegs(ctx, legs, false)

	var toSubmit []*leg
	for _, l := range legs {
		st := l.state()
		if st == legPending {
			break
		}
		if st == legMissing || st == legFailed {
			toSubmit = append(toSubmit, l)
		}
	}

	if len(toSubmit) > 0 {
		required := decimal.Zero
		for _, l := range toSubmit {
			required = required.Add(l.amount)
		}
		prereq, err := s.wallet.PreflightPurchase(ctx, pc.student, pc.teacher, required, model.PaymentModeSponsored, len(toSubmit))
		if err != nil {
			return payment, err
		}
		if !prereq.OK() {
			ife := s.wallet.ShortfallError(prereq, pc.student, required)
			metrics.RecordPreflightFailure(string(ife.Kind))
			logger.Warn("purchase refused by pre-flight",
				zap.String("purchase_id", payment.PurchaseID),
				zap.String("kind", string(ife.Kind)),
				zap.String("detail", prereq.Detail))
			if st := legs[0].state(); st == legMissing || st == legFailed {
				payment.Status = model.SplitPaymentStatusFailed
				payment.LastError = ife.Error()
				if err := s.payments.Update(ctx, payment); err != nil {
					return payment, err
				}
			}
			return payment, ife
		}

		if err := s.submitLegs(ctx, pc.student, toSubmit); err != nil {
			return payment, err
		}
		s.awaitLegs(ctx, toSubmit, true)
	}

	return s.finish(ctx, payment, req.TeacherID, teacherLeg, commissionLeg)
}

// submitLegs signs and broadcasts legs in order under one nonce lease, so
// consecutive legs get consecutive nonces. It stops at the first leg that
// was not accepted by the node.
func (s *PaymentService) submitLegs(ctx context.Context, student common.Address, legs []*leg) error {
	sender := s.chain.Address()
	lease, err := s.nonces.Acquire(ctx, sender)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, blockchain.ErrLeaseReleased) {
			logger.Warn("nonce lease release failed", zap.Error(err))
		}
		metrics.UpdateNonce(lease.Peek())
	}()

	basePrice, fallback := s.fees.OptimalGasPrice(ctx, s.cfg.MinGasPrice, s.cfg.MaxGasPrice)
	if fallback {
		metrics.RecordGasPriceFallback()
	}

	for _, l := range legs {
		wei, err := model.ToWei(l.amount)
		if err != nil {
			l.err = err
			return nil
		}
		data, err := s.token.PackTransferFrom(student, l.to, wei)
		if err != nil {
			l.err = err
			return nil
		}
		s.submitLeg(ctx, lease, l, &legTx{
			kind:        model.TxKindTransferFrom,
			refType:     model.RefTypePurchase,
			from:        student,
			data:        data,
			fallbackGas: s.cfg.TransferFromGasLimit,
		}, basePrice)
		if l.state() != legPending || l.err != nil {
			return nil
		}
	}
	return nil
}

// legTx describes what a leg's transaction calls.
type legTx struct {
	kind        model.TxKind
	refType     string
	refID       string
	from        common.Address
	data        []byte
	fallbackGas uint64
}

// submitLeg submits one leg, retrying with a higher gas price on
// underpriced and a fresh nonce on nonce-too-low rejections. Every signed
// attempt is written to the ledger before it is broadcast. A nonce whose
// transaction never reached the node is returned to the lease.
func (s *PaymentService) submitLeg(ctx context.Context, lease *blockchain.NonceLease, l *leg, tx *legTx, basePrice *big.Int) {
	sender := s.chain.Address()
	tokenAddr := s.token.Address()

	gasLimit, err := s.fees.EstimateGasLimit(ctx, ethereum.CallMsg{From: sender, To: &tokenAddr, Data: tx.data}, tx.fallbackGas)
	if err != nil {
		l.err = err
		return
	}

	attempt := 1
	if l.entry != nil {
		attempt = l.entry.Attempt + 1
	}
	refID := tx.refID
	if refID == "" {
		refID = refIDFromKey(l.key)
	}

	nonce := lease.Next()
	price := basePrice
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		if i > 0 {
			price = s.fees.NextRetryGasPrice(basePrice, i)
		}
		if err := ctx.Err(); err != nil {
			lease.Unuse(nonce)
			l.err = err
			return
		}

		signed, err := s.chain.SignTransaction(types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &tokenAddr,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: price,
			Data:     tx.data,
		}))
		if err != nil {
			lease.Unuse(nonce)
			l.err = err
			return
		}

		entry := &model.ChainTransaction{
			IdempotencyKey: l.key,
			Attempt:        attempt + i,
			RefType:        tx.refType,
			RefID:          refID,
			LegIndex:       l.index,
			Kind:           tx.kind,
			FromAddress:    tx.from.Hex(),
			ToAddress:      l.to.Hex(),
			Sender:         sender.Hex(),
			TokenAddress:   tokenAddr.Hex(),
			Amount:         l.amount,
			Nonce:          int64(nonce),
			GasPrice:       decimal.NewFromBigInt(price, 0),
			GasLimit:       int64(gasLimit),
			TxHash:         strings.ToLower(signed.Hash().Hex()),
			Status:         model.TxStatusPending,
			SubmittedAt:    s.now().UnixMilli(),
		}
		if err := s.ledger.Record(ctx, entry); err != nil {
			lease.Unuse(nonce)
			l.err = err
			return
		}
		l.entry = entry
		metrics.UpdateGasPrice(gweiOf(price))

		_, err = s.chain.SubmitSignedTransaction(ctx, signed)
		if err == nil {
			metrics.RecordLegAttempt("accepted")
			l.err = nil
			logger.Info("leg submitted",
				zap.String("key", l.key),
				zap.Int("attempt", entry.Attempt),
				zap.Uint64("nonce", nonce),
				zap.String("gas_price", price.String()),
				zap.String("tx_hash", entry.TxHash))
			return
		}

		var rejected *blockchain.SubmissionRejectedError
		if !errors.As(err, &rejected) {
			// The node may or may not have the transaction. The entry stays
			// pending and the nonce stays spent until a receipt says otherwise.
			metrics.RecordLegAttempt("unavailable")
			l.err = err
			logger.Error("leg submission outcome unknown",
				zap.String("key", l.key),
				zap.String("tx_hash", entry.TxHash),
				zap.Error(err))
			return
		}

		s.markFailed(ctx, entry, rejected.Error())
		l.err = rejected
		if !rejected.Retryable() || i+1 == s.cfg.MaxAttempts {
			metrics.RecordLegAttempt("rejected")
			lease.Unuse(nonce)
			logger.Warn("leg rejected",
				zap.String("key", l.key),
				zap.Int("attempt", entry.Attempt),
				zap.String("reason", string(rejected.Reason)),
				zap.String("gas_price", price.String()))
			return
		}

		metrics.RecordLegAttempt("retry")
		if rejected.Reason == blockchain.RejectNonceTooLow {
			lease.Unuse(nonce)
			if err := lease.Resync(ctx); err != nil {
				l.err = err
				return
			}
			nonce = lease.Next()
		}
		logger.Info("retrying leg",
			zap.String("key", l.key),
			zap.String("reason", string(rejected.Reason)),
			zap.Uint64("nonce", nonce))
	}
}

func (s *PaymentService) markFailed(ctx context.Context, entry *model.ChainTransaction, reason string) {
	entry.Status = model.TxStatusFailed
	entry.ErrorMessage = reason
	if err := s.ledger.MarkFailed(context.WithoutCancel(ctx), entry.TxHash, reason); err != nil {
		logger.Error("failed to mark ledger entry failed",
			zap.String("tx_hash", entry.TxHash),
			zap.Error(err))
	}
}

// awaitLegs waits for the receipts of pending legs in parallel. fresh legs
// were just broadcast and get the full receipt timeout; legs left over from
// an earlier call are polled once.
func (s *PaymentService) awaitLegs(ctx context.Context, legs []*leg, fresh bool) {
	var wg sync.WaitGroup
	for _, l := range legs {
		if l.state() != legPending {
			continue
		}
		wg.Add(1)
		go func(l *leg) {
			defer wg.Done()
			s.awaitLeg(ctx, l, fresh && l.err == nil)
		}(l)
	}
	wg.Wait()
}

func (s *PaymentService) awaitLeg(ctx context.Context, l *leg, wait bool) {
	var (
		receipt *blockchain.Receipt
		err     error
	)
	if wait {
		receipt, err = s.chain.WaitForReceipt(ctx, l.entry.TxHash, s.cfg.ReceiptTimeout)
	} else {
		receipt, err = s.chain.GetReceipt(ctx, l.entry.TxHash)
		if errors.Is(err, blockchain.ErrReceiptNotFound) {
			err = apperrors.ErrConfirmationTimeout.WithDetail("tx_hash", l.entry.TxHash)
		}
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConfirmationTimeout) {
			metrics.RecordBlockchainTx(l.entry.Kind.String(), "timeout", 0, 0)
		}
		if l.err == nil {
			l.err = err
		}
		return
	}
	l.err = s.applyReceipt(ctx, l.entry, receipt)
}

// applyReceipt writes a receipt to the ledger and updates entry in place.
// A reverted receipt is returned as an error.
func (s *PaymentService) applyReceipt(ctx context.Context, entry *model.ChainTransaction, receipt *blockchain.Receipt) error {
	latency := 0.0
	if entry.SubmittedAt > 0 {
		latency = float64(s.now().UnixMilli()-entry.SubmittedAt) / 1000
	}
	if !receipt.Succeeded() {
		reason := "execution reverted"
		s.markFailed(ctx, entry, reason)
		metrics.RecordBlockchainTx(entry.Kind.String(), "failed", latency, receipt.GasUsed)
		return apperrors.ErrSettlementFailed.WithMessage("transaction reverted").WithDetail("tx_hash", entry.TxHash)
	}
	err := s.ledger.MarkConfirmed(context.WithoutCancel(ctx), entry.TxHash, int64(receipt.BlockNumber), int64(receipt.GasUsed))
	if err != nil {
		return err
	}
	entry.Status = model.TxStatusConfirmed
	entry.BlockNumber = int64(receipt.BlockNumber)
	entry.GasUsed = int64(receipt.GasUsed)
	entry.ConfirmedAt = s.now().UnixMilli()
	metrics.RecordBlockchainTx(entry.Kind.String(), "confirmed", latency, receipt.GasUsed)
	return nil
}

// deriveOutcome sets the payment status from its legs and returns the error
// the caller should see.
func deriveOutcome(p *model.SplitPayment, teacherLeg, commissionLeg *leg, now time.Time) error {
	if teacherLeg != nil && teacherLeg.entry != nil {
		p.TeacherTxHash = teacherLeg.entry.TxHash
	}
	if commissionLeg != nil && commissionLeg.entry != nil {
		p.CommissionTxHash = commissionLeg.entry.TxHash
	}

	setFailure := func(l *leg) {
		p.FailedLeg = l.index
		p.LastError = truncate(l.lastError(), 500)
		if l.entry != nil {
			p.LastGasPrice = l.entry.GasPrice
		}
	}

	fail := func(l *leg) error {
		p.Status = model.SplitPaymentStatusFailed
		setFailure(l)
		if l.err != nil {
			return l.err
		}
		return apperrors.ErrSettlementFailed.WithDetail("failed_leg", strconv.Itoa(l.index))
	}

	// a nil leg has nothing to transfer and counts as confirmed, but a
	// single-leg payment can never be partial
	split := teacherLeg != nil && commissionLeg != nil
	t, c := teacherLeg.state(), commissionLeg.state()
	switch {
	case t == legConfirmed && c == legConfirmed:
		p.Status = model.SplitPaymentStatusSettled
		p.FailedLeg = 0
		p.LastError = ""
		p.SettledAt = now.UnixMilli()
		return nil

	case split && t == legConfirmed && c == legFailed:
		p.Status = model.SplitPaymentStatusPartiallySettled
		setFailure(commissionLeg)
		return partialFromPayment(p)

	case split && t == legFailed && c == legConfirmed:
		p.Status = model.SplitPaymentStatusPartiallySettled
		setFailure(teacherLeg)
		return partialFromPayment(p)

	case t == legFailed || t == legMissing:
		return fail(teacherLeg)

	case teacherLeg == nil && (c == legFailed || c == legMissing):
		return fail(commissionLeg)

	default:
		p.Status = model.SplitPaymentStatusSubmitted
		for _, l := range []*leg{teacherLeg, commissionLeg} {
			if l != nil && l.err != nil {
				return l.err
			}
		}
		hash := p.TeacherTxHash
		if hash == "" {
			hash = p.CommissionTxHash
		}
		return apperrors.ErrConfirmationTimeout.WithDetail("tx_hash", hash)
	}
}

// finish derives the payment outcome from its legs, persists and publishes it.
func (s *PaymentService) finish(ctx context.Context, p *model.SplitPayment, teacherID string, teacherLeg, commissionLeg *leg) (*model.SplitPayment, error) {
	outcome := deriveOutcome(p, teacherLeg, commissionLeg, s.now())
	if err := s.persistOutcome(ctx, p, teacherID, outcome); err != nil {
		return p, err
	}
	return p, outcome
}

func (s *PaymentService) persistOutcome(ctx context.Context, p *model.SplitPayment, teacherID string, outcome error) error {
	if err := s.payments.Update(context.WithoutCancel(ctx), p); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("purchase_id", p.PurchaseID),
		zap.String("mode", p.Mode.String()),
		zap.String("status", p.Status.String()),
		zap.String("teacher_tx_hash", p.TeacherTxHash),
		zap.String("commission_tx_hash", p.CommissionTxHash),
	}
	switch p.Status {
	case model.SplitPaymentStatusSettled:
		logger.Info("purchase settled", fields...)
	case model.SplitPaymentStatusPartiallySettled:
		logger.Error("purchase partially settled, commission needs manual reconciliation",
			append(fields, zap.Int("failed_leg", p.FailedLeg), zap.String("last_error", p.LastError))...)
		if teacherID != "" {
			s.notify(ctx, teacherID, model.NotifyPaymentPartial, map[string]string{
				"purchase_id":     p.PurchaseID,
				"teacher_tx_hash": p.TeacherTxHash,
			})
		}
	default:
		logger.Warn("purchase not settled", append(fields, zap.NamedError("outcome", outcome))...)
	}

	s.publishPayment(ctx, p)
	return nil
}

func (s *PaymentService) publishPayment(ctx context.Context, p *model.SplitPayment) {
	event := &model.PaymentSettledEvent{
		PurchaseID:       p.PurchaseID,
		Mode:             p.Mode.String(),
		Status:           p.Status.String(),
		StudentAddress:   p.StudentAddress,
		TeacherAddress:   p.TeacherAddress,
		Amount:           p.Amount,
		TeacherAmount:    p.TeacherAmount,
		CommissionAmount: p.CommissionAmount,
		TeacherTxHash:    p.TeacherTxHash,
		CommissionTxHash: p.CommissionTxHash,
		FailedLeg:        p.FailedLeg,
		Error:            p.LastError,
		Timestamp:        s.now().UnixMilli(),
	}
	if err := s.publisher.PublishPaymentSettled(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("failed to publish payment event",
			zap.String("purchase_id", p.PurchaseID),
			zap.Error(err))
	}
}

func (s *PaymentService) notify(ctx context.Context, userID, template string, payload map[string]string) {
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

// verifyDirect checks that each leg's transaction hash carries the expected
// TEO Transfer from the student and records it as confirmed.
func (s *PaymentService) verifyDirect(ctx context.Context, req *SettleRequest, pc *purchase) (*model.SplitPayment, error) {
	payment, err := s.openPayment(ctx, req, pc)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return terminalResult(payment)
	}

	teacherLeg, commissionLeg := planLegs(payment)
	if err := s.loadLegs(ctx, nonNil(teacherLeg, commissionLeg)); err != nil {
		return payment, err
	}

	hashes := map[int]string{}
	for _, item := range []struct {
		l     *leg
		field string
		raw   string
	}{
		{teacherLeg, "teacher_tx_hash", req.TeacherTxHash},
		{commissionLeg, "commission_tx_hash", req.CommissionTxHash},
	} {
		if item.l == nil || item.l.state() == legConfirmed {
			continue
		}
		hash, err := model.NormalizeTxHash(item.raw)
		if err != nil {
			return payment, apperrors.ErrInvalidParam.WithDetail("field", item.field)
		}
		hashes[item.l.index] = hash
	}
	if len(hashes) == 2 && hashes[model.LegTeacher] == hashes[model.LegCommission] {
		return payment, apperrors.ErrVerificationFailed.WithMessage("both legs reference the same transaction")
	}

	for _, l := range nonNil(teacherLeg, commissionLeg) {
		if l.state() == legConfirmed {
			continue
		}
		err := s.verifyLeg(ctx, pc.student, l, hashes[l.index])
		if err == nil {
			continue
		}
		if !apperrors.Is(err, apperrors.ErrVerificationFailed) {
			// not mined yet or chain unreachable; verified legs stay recorded
			return payment, err
		}
		// the student can resubmit with the correct hash
		payment.Status = model.SplitPaymentStatusFailed
		payment.FailedLeg = l.index
		payment.LastError = truncate(err.Error(), 500)
		if err := s.payments.Update(ctx, payment); err != nil {
			return payment, err
		}
		metrics.RecordPreflightFailure("verification")
		return payment, err
	}
	return s.finish(ctx, payment, req.TeacherID, teacherLeg, commissionLeg)
}

func (s *PaymentService) verifyLeg(ctx context.Context, student common.Address, l *leg, hash string) error {
	if other, err := s.ledger.FindByTxHash(ctx, hash); err == nil && other.IdempotencyKey != l.key {
		return apperrors.ErrVerificationFailed.WithMessage("transaction already used for another payment").WithDetail("tx_hash", hash)
	} else if err != nil && !errors.Is(err, repository.ErrLedgerEntryNotFound) {
		return err
	}

	receipt, err := s.chain.WaitForReceipt(ctx, hash, s.cfg.ReceiptTimeout)
	if err != nil {
		return err
	}
	if !receipt.Succeeded() {
		return apperrors.ErrVerificationFailed.WithMessage("transaction reverted").WithDetail("tx_hash", hash)
	}

	wei, err := model.ToWei(l.amount)
	if err != nil {
		return err
	}
	matched := false
	for _, tr := range s.token.ParseTransfers(receipt.Logs) {
		if tr.From == student && tr.To == l.to && tr.Amount.Cmp(wei) == 0 {
			matched = true
			break
		}
	}
	if !matched {
		return apperrors.ErrVerificationFailed.WithDetails(map[string]string{
			"tx_hash":  hash,
			"expected": student.Hex() + "->" + l.to.Hex() + " " + l.amount.String(),
		})
	}

	attempt := 1
	if l.entry != nil {
		attempt = l.entry.Attempt + 1
	}
	now := s.now().UnixMilli()
	entry := &model.ChainTransaction{
		IdempotencyKey: l.key,
		Attempt:        attempt,
		RefType:        model.RefTypePurchase,
		RefID:          refIDFromKey(l.key),
		LegIndex:       l.index,
		Kind:           model.TxKindTransfer,
		FromAddress:    student.Hex(),
		ToAddress:      l.to.Hex(),
		Sender:         student.Hex(),
		TokenAddress:   s.token.Address().Hex(),
		Amount:         l.amount,
		GasPrice:       decimal.Zero,
		TxHash:         hash,
		BlockNumber:    int64(receipt.BlockNumber),
		GasUsed:        int64(receipt.GasUsed),
		Status:         model.TxStatusConfirmed,
		SubmittedAt:    now,
		ConfirmedAt:    now,
	}
	if err := s.ledger.Record(ctx, entry); err != nil {
		return err
	}
	l.entry = entry
	metrics.RecordBlockchainTx(entry.Kind.String(), "confirmed", 0, receipt.GasUsed)
	return nil
}

// TransferSingle sends amount TEO from the hot wallet to req.To with the same
// nonce discipline, retry curve and ledger idempotency as a split leg. A
// confirmed transfer under the same key is returned without resubmitting.
func (s *PaymentService) TransferSingle(ctx context.Context, req *TransferRequest) (*model.ChainTransaction, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("field", "idempotency_key")
	}
	if req.Amount.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		return nil, err
	}

	var entry *model.ChainTransaction
	err = s.locker.WithLock(ctx, "transfer:"+req.IdempotencyKey, func(ctx context.Context) error {
		var err error
		entry, err = s.transferSingle(ctx, req, to)
		return err
	})
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		err = apperrors.ErrSettlementBusy.WithDetail("idempotency_key", req.IdempotencyKey)
	}
	return entry, err
}

func (s *PaymentService) transferSingle(ctx context.Context, req *TransferRequest, to common.Address) (*model.ChainTransaction, error) {
	l := &leg{index: model.LegRelease, key: req.IdempotencyKey, to: to, amount: req.Amount}
	if err := s.loadLegs(ctx, []*leg{l}); err != nil {
		return nil, err
	}

	if l.entry != nil && !sameTransfer(l.entry, to, req.Amount) {
		// the key already paid, or may still pay, someone else
		return l.entry, apperrors.ErrDuplicateKey.WithDetails(map[string]string{
			"idempotency_key":  req.IdempotencyKey,
			"recorded_to":      l.entry.ToAddress,
			"recorded_amount":  l.entry.Amount.String(),
			"requested_to":     to.Hex(),
			"requested_amount": req.Amount.String(),
		})
	}

	switch l.state() {
	case legConfirmed:
		return l.entry, nil
	case legPending:
		s.awaitLeg(ctx, l, true)
		if l.state() != legFailed {
			return l.entry, l.err
		}
	}

	sender := s.chain.Address()
	ok, err := s.wallet.CheckSufficientBalance(ctx, sender, s.token.Address(), req.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		available, _ := s.chain.GetBalance(ctx, sender, s.token.Address())
		metrics.RecordPreflightFailure(string(model.FundsKindTeo))
		return nil, &InsufficientFundsError{Kind: model.FundsKindTeo, Address: sender.Hex(), Required: req.Amount, Available: available}
	}
	if err := s.wallet.CheckHotWalletGas(ctx, model.OpTransfer, 1); err != nil {
		metrics.RecordPreflightFailure(string(model.FundsKindPoolGas))
		return nil, err
	}

	wei, err := model.ToWei(req.Amount)
	if err != nil {
		return nil, err
	}
	data, err := s.token.PackTransfer(to, wei)
	if err != nil {
		return nil, err
	}

	lease, err := s.nonces.Acquire(ctx, sender)
	if err != nil {
		return nil, err
	}
	basePrice, fallback := s.fees.OptimalGasPrice(ctx, s.cfg.MinGasPrice, s.cfg.MaxGasPrice)
	if fallback {
		metrics.RecordGasPriceFallback()
	}
	s.submitLeg(ctx, lease, l, &legTx{
		kind:        model.TxKindTransfer,
		refType:     req.RefType,
		refID:       req.RefID,
		from:        sender,
		data:        data,
		fallbackGas: s.cfg.TransferGasLimit,
	}, basePrice)
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("nonce lease release failed", zap.Error(err))
	}
	metrics.UpdateNonce(lease.Peek())

	if l.state() != legPending || l.err != nil {
		return l.entry, l.err
	}
	s.awaitLeg(ctx, l, true)
	return l.entry, l.err
}

func sameTransfer(entry *model.ChainTransaction, to common.Address, amount decimal.Decimal) bool {
	return common.HexToAddress(entry.ToAddress) == to && entry.Amount.Equal(amount)
}

// refIDFromKey extracts the reference id from "<type>:<id>:leg:<n>".
func refIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 4 {
		return strings.Join(parts[1:len(parts)-2], ":")
	}
	return key
}

func gweiOf(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ReconcilePayment re-derives a sponsored payment's status from its ledger
// entries. It reports whether the status changed. A payment whose
// settlement is running is skipped.
func (s *PaymentService) ReconcilePayment(ctx context.Context, purchaseID string) (bool, error) {
	changed := false
	err := s.locker.WithLock(ctx, "purchase:"+purchaseID, func(ctx context.Context) error {
		p, err := s.payments.GetByPurchaseID(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return nil
		}
		teacherLeg, commissionLeg := planLegs(p)
		if err := s.loadLegs(ctx, nonNil(teacherLeg, commissionLeg)); err != nil {
			return err
		}
		before := p.Status
		outcome := deriveOutcome(p, teacherLeg, commissionLeg, s.now())
		if p.Status == before {
			return nil
		}
		changed = true
		return s.persistOutcome(ctx, p, "", outcome)
	})
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return false, nil
	}
	return changed, err
}
