package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/teocoin/teocoin-chain/pkg/logger"
	"go.uber.org/zap"
)

// Gas estimation errors
var (
	ErrGasLimitTooHigh = errors.New("gas limit exceeds maximum")
)

var gwei = big.NewInt(1_000_000_000)

// Gwei converts a whole gwei value to wei.
func Gwei(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), gwei)
}

// FeeEstimatorConfig is the configuration for the fee estimator.
type FeeEstimatorConfig struct {
	// MinGasPrice and MaxGasPrice clamp OptimalGasPrice, in wei.
	MinGasPrice *big.Int
	MaxGasPrice *big.Int
	// CeilingGasPrice caps every retry price, in wei.
	CeilingGasPrice *big.Int
	// FallbackGasPrice is returned when the network price cannot be read.
	FallbackGasPrice *big.Int
	// BufferPercent is added on top of the network price (20 = +20%).
	BufferPercent int64
	// RetryBumpPercent is added per retry attempt.
	RetryBumpPercent int64
	// GasLimitMultiplier is applied to estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// MaxGasLimit rejects estimates above it.
	MaxGasLimit uint64
	// CacheTTL is how long a fetched network price is reused.
	CacheTTL time.Duration
}

// FeeBackend is the chain access the estimator needs.
type FeeBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// FeeEstimator computes bounded gas prices and the retry price curve.
// Retry policy itself belongs to the caller.
type FeeEstimator struct {
	cfg     *FeeEstimatorConfig
	backend FeeBackend
	now     func() time.Time

	mu          sync.RWMutex
	cachedPrice *big.Int
	fetchedAt   time.Time
}

// NewFeeEstimator creates a new fee estimator.
func NewFeeEstimator(cfg *FeeEstimatorConfig, backend FeeBackend) *FeeEstimator {
	if cfg == nil {
		cfg = &FeeEstimatorConfig{}
	}

	if cfg.MinGasPrice == nil {
		cfg.MinGasPrice = Gwei(25)
	}
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = Gwei(200)
	}
	if cfg.CeilingGasPrice == nil {
		cfg.CeilingGasPrice = Gwei(500)
	}
	if cfg.FallbackGasPrice == nil {
		cfg.FallbackGasPrice = Gwei(50)
	}
	if cfg.BufferPercent == 0 {
		cfg.BufferPercent = 20
	}
	if cfg.RetryBumpPercent == 0 {
		cfg.RetryBumpPercent = 20
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 1_000_000
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second // ~2 blocks on Polygon
	}

	return &FeeEstimator{
		cfg:     cfg,
		backend: backend,
		now:     time.Now,
	}
}

// GasPrice returns OptimalGasPrice with the configured bounds.
func (e *FeeEstimator) GasPrice(ctx context.Context) *big.Int {
	price, _ := e.OptimalGasPrice(ctx, e.cfg.MinGasPrice, e.cfg.MaxGasPrice)
	return price
}

// OptimalGasPrice returns network price plus buffer, clamped to [min, max].
// When the network price cannot be read it returns the fallback constant
// (also clamped) and reports fallback=true; it never fails the caller.
func (e *FeeEstimator) OptimalGasPrice(ctx context.Context, lo, hi *big.Int) (price *big.Int, fallback bool) {
	if lo != nil && hi != nil && lo.Cmp(hi) > 0 {
		logger.Warn("gas price bounds inverted, swapping",
			zap.String("min", lo.String()),
			zap.String("max", hi.String()))
		lo, hi = hi, lo
	}

	network, err := e.networkPrice(ctx)
	if err != nil {
		logger.Warn("gas price unavailable, using fallback",
			zap.String("fallback_wei", e.cfg.FallbackGasPrice.String()),
			zap.Error(err))
		return clamp(new(big.Int).Set(e.cfg.FallbackGasPrice), lo, hi), true
	}

	buffered := percentOf(network, 100+e.cfg.BufferPercent)
	return clamp(buffered, lo, hi), false
}

// NextRetryGasPrice returns the price for retry number attempt (1-based),
// derived from the first attempt's price: base * (100 + bump*attempt) / 100,
// capped at the ceiling. The curve is strictly increasing until the cap.
func (e *FeeEstimator) NextRetryGasPrice(base *big.Int, attempt int) *big.Int {
	if attempt < 1 {
		attempt = 1
	}
	next := percentOf(base, 100+e.cfg.RetryBumpPercent*int64(attempt))
	if next.Cmp(base) <= 0 {
		next = new(big.Int).Add(base, big.NewInt(1))
	}
	if next.Cmp(e.cfg.CeilingGasPrice) > 0 {
		next = new(big.Int).Set(e.cfg.CeilingGasPrice)
	}
	return next
}

// Ceiling returns the hard cap on retry prices.
func (e *FeeEstimator) Ceiling() *big.Int {
	return new(big.Int).Set(e.cfg.CeilingGasPrice)
}

// EstimateGasLimit estimates gas for msg and applies the safety multiplier.
// If estimation fails the fallback limit is used instead.
func (e *FeeEstimator) EstimateGasLimit(ctx context.Context, msg ethereum.CallMsg, fallback uint64) (uint64, error) {
	gas, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		logger.Debug("gas estimation failed, using fallback limit",
			zap.Uint64("fallback", fallback),
			zap.Error(err))
		gas = fallback
	}

	limit := uint64(float64(gas) * e.cfg.GasLimitMultiplier)
	if limit > e.cfg.MaxGasLimit {
		return 0, ErrGasLimitTooHigh
	}
	return limit, nil
}

// InvalidateCache drops the cached network price.
func (e *FeeEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}

func (e *FeeEstimator) networkPrice(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && e.now().Sub(e.fetchedAt) < e.cfg.CacheTTL {
		cached := new(big.Int).Set(e.cachedPrice)
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, errors.New("node returned non-positive gas price")
	}

	e.mu.Lock()
	e.cachedPrice = new(big.Int).Set(price)
	e.fetchedAt = e.now()
	e.mu.Unlock()

	return price, nil
}

func percentOf(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Quo(out, big.NewInt(100))
}

func clamp(v, lo, hi *big.Int) *big.Int {
	if lo != nil && v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if hi != nil && v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return v
}
