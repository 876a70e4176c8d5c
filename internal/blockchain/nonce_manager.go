package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/teocoin/teocoin-chain/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrNonceLockTimeout = errors.New("nonce lock timeout")
	ErrLeaseReleased    = errors.New("nonce lease already released")
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// NonceSource reads an account's nonce from the chain.
type NonceSource interface {
	GetNonce(ctx context.Context, account common.Address, includePending bool) (uint64, error)
}

// NonceManager serializes nonce allocation per sending address. Inside one
// process a per-address semaphore orders callers; across processes a Redis
// SET NX lock does, and the last handed-out nonce is kept in Redis so an
// instance whose RPC node has not yet seen another instance's mempool
// entries still continues from the right value.
type NonceManager struct {
	source  NonceSource
	redis   redis.UniversalClient
	chainID int64

	lockTTL       time.Duration
	lockWait      time.Duration
	retryInterval time.Duration
	cacheTTL      time.Duration

	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

// NonceManagerConfig configures a NonceManager.
type NonceManagerConfig struct {
	ChainID int64
	// LockTTL is the Redis lock expiry; it must exceed one submission round.
	LockTTL time.Duration
	// LockWait bounds how long Acquire waits for the lock.
	LockWait      time.Duration
	RetryInterval time.Duration
	// CacheTTL is how long the Redis copy of the next nonce is trusted over
	// the chain's pending count.
	CacheTTL time.Duration
}

// NewNonceManager creates a NonceManager. rdb may be nil for a single
// instance deployment.
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Second
	}

	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = 20 * time.Second
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = 50 * time.Millisecond
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 2 * time.Minute
	}

	return &NonceManager{
		source:        source,
		redis:         rdb,
		chainID:       cfg.ChainID,
		lockTTL:       lockTTL,
		lockWait:      lockWait,
		retryInterval: retryInterval,
		cacheTTL:      cacheTTL,
		slots:         make(map[common.Address]chan struct{}),
	}
}

func (m *NonceManager) nonceKey(addr common.Address) string {
	return fmt.Sprintf("teo:chain:nonce:%d:%s", m.chainID, strings.ToLower(addr.Hex()))
}

func (m *NonceManager) lockKey(addr common.Address) string {
	return fmt.Sprintf("teo:chain:nonce:lock:%d:%s", m.chainID, strings.ToLower(addr.Hex()))
}

func (m *NonceManager) slot(addr common.Address) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[addr]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[addr] = s
	}
	return s
}

// Acquire takes exclusive ownership of addr's nonce sequence. The returned
// lease must be released; until then no other caller can allocate nonces
// for addr.
func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (*NonceLease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	defer cancel()

	slot := m.slot(addr)
	select {
	case slot <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNonceLockTimeout
	}

	lease := &NonceLease{m: m, addr: addr, slot: slot}

	if m.redis != nil {
		token, err := m.lockDistributed(waitCtx, addr)
		if err != nil {
			<-slot
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		lease.token = token
	}

	next, err := m.startingNonce(ctx, addr)
	if err != nil {
		lease.unlock(context.Background())
		return nil, err
	}
	lease.start = next
	lease.next = next
	return lease, nil
}

func (m *NonceManager) lockDistributed(ctx context.Context, addr common.Address) (string, error) {
	token := uuid.New().String()
	for {
		ok, err := m.redis.SetNX(ctx, m.lockKey(addr), token, m.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrNonceLockTimeout
			}
			return "", fmt.Errorf("acquire nonce lock: %w", err)
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ErrNonceLockTimeout
		case <-time.After(m.retryInterval):
		}
	}
}

// startingNonce is max(chain pending nonce, cached next nonce).
func (m *NonceManager) startingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	chainNonce, err := m.source.GetNonce(ctx, addr, true)
	if err != nil {
		return 0, err
	}
	if m.redis == nil {
		return chainNonce, nil
	}

	cached, err := m.redis.Get(ctx, m.nonceKey(addr)).Uint64()
	if errors.Is(err, redis.Nil) {
		return chainNonce, nil
	}
	if err != nil {
		logger.Warn("nonce cache read failed, using chain nonce",
			zap.String("address", addr.Hex()),
			zap.Error(err))
		return chainNonce, nil
	}
	if cached > chainNonce {
		return cached, nil
	}
	return chainNonce, nil
}

// NonceLease is an exclusive, sequential nonce allocation for one address.
// It is not safe for concurrent use; one settlement owns it.
type NonceLease struct {
	m     *NonceManager
	addr  common.Address
	slot  chan struct{}
	token string

	start    uint64
	next     uint64
	released bool
}

// Address returns the leased sender.
func (l *NonceLease) Address() common.Address {
	return l.addr
}

// Next hands out the next nonce in sequence.
func (l *NonceLease) Next() uint64 {
	n := l.next
	l.next++
	return n
}

// Peek returns the nonce Next would hand out.
func (l *NonceLease) Peek() uint64 {
	return l.next
}

// Unuse returns nonce n to the sequence when it was never broadcast. Only
// the most recently handed-out nonce can be returned; anything else would
// leave a gap and is ignored.
func (l *NonceLease) Unuse(n uint64) {
	if n+1 == l.next {
		l.next = n
	}
}

// Resync moves the sequence forward to the chain's pending nonce after a
// "nonce too low" rejection. It never moves backwards.
func (l *NonceLease) Resync(ctx context.Context) error {
	chainNonce, err := l.m.source.GetNonce(ctx, l.addr, true)
	if err != nil {
		return err
	}
	if chainNonce > l.next {
		logger.Warn("nonce behind chain, skipping ahead",
			zap.String("address", l.addr.Hex()),
			zap.Uint64("local", l.next),
			zap.Uint64("chain", chainNonce))
		l.next = chainNonce
	}
	return nil
}

// Release publishes the next nonce for other instances and unlocks.
// A second call returns ErrLeaseReleased and does nothing else.
func (l *NonceLease) Release(ctx context.Context) error {
	if l.released {
		return ErrLeaseReleased
	}
	var err error
	if l.m.redis != nil && l.next != l.start {
		err = l.m.redis.Set(ctx, l.m.nonceKey(l.addr), l.next, l.m.cacheTTL).Err()
		if err != nil {
			logger.Error("failed to cache next nonce",
				zap.String("address", l.addr.Hex()),
				zap.Uint64("next", l.next),
				zap.Error(err))
		}
	}
	l.unlock(ctx)
	return err
}

func (l *NonceLease) unlock(ctx context.Context) {
	if l.released {
		return
	}
	l.released = true
	if l.m.redis != nil && l.token != "" {
		if err := releaseScript.Run(ctx, l.m.redis, []string{l.m.lockKey(l.addr)}, l.token).Err(); err != nil {
			logger.Warn("failed to release nonce lock, it will expire",
				zap.String("address", l.addr.Hex()),
				zap.Error(err))
		}
	}
	<-l.slot
}
