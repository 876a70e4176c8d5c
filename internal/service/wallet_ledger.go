package service

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/cache"
	"github.com/teocoin/teocoin-chain/internal/contract"
	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// WalletLedgerConfig configures the read-only balance checks.
type WalletLedgerConfig struct {
	TokenAddress common.Address
	// MinStudentGas is the native balance a student needs to sign both
	// transfers in direct mode.
	MinStudentGas decimal.Decimal
	// MinPoolBalance is the hot wallet floor below which nothing is sponsored.
	MinPoolBalance decimal.Decimal
	// LowThreshold raises the treasury-low alarm.
	LowThreshold decimal.Decimal
	// TreasuryCacheTTL bounds how stale GasTreasuryStatus may be.
	TreasuryCacheTTL time.Duration
}

// WalletLedger answers "can this purchase be paid" before anything is
// signed. It never writes.
type WalletLedger struct {
	cfg   *WalletLedgerConfig
	chain ChainGateway
	fees  *contract.FeeEstimator
	cache cache.Cache
	now   Clock
}

func NewWalletLedger(cfg *WalletLedgerConfig, chain ChainGateway, fees *contract.FeeEstimator, c cache.Cache) *WalletLedger {
	if cfg.MinStudentGas.IsZero() {
		cfg.MinStudentGas = decimal.RequireFromString("0.01")
	}
	if cfg.MinPoolBalance.IsZero() {
		cfg.MinPoolBalance = decimal.RequireFromString("0.05")
	}
	if cfg.LowThreshold.IsZero() {
		cfg.LowThreshold = decimal.RequireFromString("0.5")
	}
	if cfg.TreasuryCacheTTL == 0 {
		cfg.TreasuryCacheTTL = 30 * time.Second
	}
	if c == nil {
		c = cache.NewMemoryCache(cfg.TreasuryCacheTTL, time.Minute)
	}
	return &WalletLedger{cfg: cfg, chain: chain, fees: fees, cache: c, now: time.Now}
}

// CheckSufficientBalance reports whether address holds at least required
// of token. A zero token address checks the native balance.
func (w *WalletLedger) CheckSufficientBalance(ctx context.Context, address, token common.Address, required decimal.Decimal) (bool, error) {
	balance, err := w.chain.GetBalance(ctx, address, token)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(required), nil
}

// CheckSufficientAllowance reports whether spender may move required from owner.
func (w *WalletLedger) CheckSufficientAllowance(ctx context.Context, owner, spender, token common.Address, required decimal.Decimal) (bool, error) {
	allowance, err := w.chain.GetAllowance(ctx, owner, spender, token)
	if err != nil {
		return false, err
	}
	return allowance.GreaterThanOrEqual(required), nil
}

func (w *WalletLedger) GetNativeGasBalance(ctx context.Context, address common.Address) (decimal.Decimal, error) {
	return w.chain.GetBalance(ctx, address, common.Address{})
}

// PreflightPurchase runs every funds check a purchase depends on. In direct
// mode the student needs TEO and gas; in sponsored mode the student needs
// TEO and an allowance to the hot wallet, and the hot wallet needs gas for
// legs transfers. Chain errors are returned as errors, shortfalls in the
// result.
func (w *WalletLedger) PreflightPurchase(ctx context.Context, student, teacher common.Address, amount decimal.Decimal, mode model.PaymentMode, legs int) (*model.PrereqResult, error) {
	if teacher == (common.Address{}) {
		return nil, apperrors.ErrInvalidAddress.WithDetail("field", "teacher")
	}
	res := &model.PrereqResult{
		SufficientGas:       true,
		SufficientPoolGas:   true,
		SufficientAllowance: true,
	}
	var notes []string

	teo, err := w.chain.GetBalance(ctx, student, w.cfg.TokenAddress)
	if err != nil {
		return nil, err
	}
	res.StudentTeo = teo
	res.SufficientTeo = teo.GreaterThanOrEqual(amount)
	if !res.SufficientTeo {
		notes = append(notes, "student TEO balance "+teo.String()+" below "+amount.String())
	}

	switch mode {
	case model.PaymentModeDirect:
		gas, err := w.GetNativeGasBalance(ctx, student)
		if err != nil {
			return nil, err
		}
		res.StudentGas = gas
		res.RequiredGas = w.cfg.MinStudentGas
		res.SufficientGas = gas.GreaterThanOrEqual(w.cfg.MinStudentGas)
		if !res.SufficientGas {
			notes = append(notes, "student gas balance "+gas.String()+" below "+w.cfg.MinStudentGas.String())
		}

	case model.PaymentModeSponsored:
		allowance, err := w.chain.GetAllowance(ctx, student, w.chain.Address(), w.cfg.TokenAddress)
		if err != nil {
			return nil, err
		}
		res.Allowance = allowance
		res.SufficientAllowance = allowance.GreaterThanOrEqual(amount)
		if !res.SufficientAllowance {
			notes = append(notes, "allowance to platform "+allowance.String()+" below "+amount.String())
		}

		pool, err := w.GetNativeGasBalance(ctx, w.chain.Address())
		if err != nil {
			return nil, err
		}
		res.PoolGas = pool
		needed := w.cfg.MinPoolBalance.Add(w.operationCost(ctx, model.OpTransferFrom).Mul(decimal.NewFromInt(int64(legs))))
		res.RequiredGas = needed
		res.SufficientPoolGas = pool.GreaterThanOrEqual(needed)
		if !res.SufficientPoolGas {
			notes = append(notes, "platform gas balance "+pool.String()+" below "+needed.String())
		}
	}

	res.Detail = strings.Join(notes, "; ")
	return res, nil
}

// ShortfallError turns the first failed check of res into an error naming
// the lacking resource.
func (w *WalletLedger) ShortfallError(res *model.PrereqResult, student common.Address, amount decimal.Decimal) *InsufficientFundsError {
	e := &InsufficientFundsError{Kind: res.Shortfall(), Address: student.Hex(), Required: amount}
	switch e.Kind {
	case model.FundsKindTeo:
		e.Available = res.StudentTeo
	case model.FundsKindAllowance:
		e.Available = res.Allowance
	case model.FundsKindGas:
		e.Required = res.RequiredGas
		e.Available = res.StudentGas
	case model.FundsKindPoolGas:
		e.Address = w.chain.Address().Hex()
		e.Required = res.RequiredGas
		e.Available = res.PoolGas
	}
	return e
}

// CheckHotWalletGas fails with a pool_gas shortfall when the hot wallet
// cannot pay for n operations of kind op and still keep MinPoolBalance.
func (w *WalletLedger) CheckHotWalletGas(ctx context.Context, op string, n int) error {
	pool, err := w.GetNativeGasBalance(ctx, w.chain.Address())
	if err != nil {
		return err
	}
	needed := w.cfg.MinPoolBalance.Add(w.operationCost(ctx, op).Mul(decimal.NewFromInt(int64(n))))
	if pool.LessThan(needed) {
		return &InsufficientFundsError{
			Kind:      model.FundsKindPoolGas,
			Address:   w.chain.Address().Hex(),
			Required:  needed,
			Available: pool,
		}
	}
	return nil
}

// operationCost is the native cost of one operation at the current price.
func (w *WalletLedger) operationCost(ctx context.Context, op string) decimal.Decimal {
	price := w.fees.GasPrice(ctx)
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(model.OperationGasLimits[op]))
	return model.FromWei(wei)
}

// GasTreasuryStatus reports the hot wallet balance and how many operations
// of each kind it covers. Results are cached for TreasuryCacheTTL.
func (w *WalletLedger) GasTreasuryStatus(ctx context.Context) (*model.GasTreasuryStatus, error) {
	key := "treasury:" + strings.ToLower(w.chain.Address().Hex())
	return cache.GetOrLoad(ctx, w.cache, key, w.cfg.TreasuryCacheTTL, w.loadTreasury)
}

func (w *WalletLedger) loadTreasury(ctx context.Context) (*model.GasTreasuryStatus, error) {
	balance, err := w.GetNativeGasBalance(ctx, w.chain.Address())
	if err != nil {
		return nil, err
	}
	price := w.fees.GasPrice(ctx)

	status := &model.GasTreasuryStatus{
		Address:        w.chain.Address().Hex(),
		CurrentBalance: balance,
		MinBalance:     w.cfg.MinPoolBalance,
		LowThreshold:   w.cfg.LowThreshold,
		GasPriceWei:    decimal.NewFromBigInt(price, 0),
		Capacity:       make(map[string]int64, len(model.OperationGasLimits)),
		CheckedAt:      w.now().UnixMilli(),
	}

	spendable := balance.Sub(w.cfg.MinPoolBalance)
	for op, limit := range model.OperationGasLimits {
		cost := model.FromWei(new(big.Int).Mul(price, new(big.Int).SetUint64(limit)))
		if spendable.Sign() <= 0 || cost.Sign() <= 0 {
			status.Capacity[op] = 0
			continue
		}
		status.Capacity[op] = spendable.Div(cost).IntPart()
	}

	low := status.IsLow()
	metrics.UpdateTreasury(balance.InexactFloat64(), low)
	if low {
		logger.Warn("hot wallet gas balance low",
			zap.String("address", status.Address),
			zap.String("balance", balance.String()),
			zap.String("threshold", w.cfg.LowThreshold.String()))
	}
	return status, nil
}
