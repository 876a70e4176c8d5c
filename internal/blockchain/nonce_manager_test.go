// Run with -race; the stress tests exercise the per-address lock.
package blockchain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hotWallet = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// mockNonceSource simulates a node's pending nonce view.
type mockNonceSource struct {
	mu      sync.Mutex
	pending uint64
	err     error
	calls   int
}

func (m *mockNonceSource) GetNonce(ctx context.Context, account common.Address, includePending bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.pending, nil
}

func (m *mockNonceSource) set(n uint64) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
}

func setupTestNonceManager(t *testing.T, initialNonce uint64) (*NonceManager, *miniredis.Miniredis, *mockNonceSource, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	source := &mockNonceSource{pending: initialNonce}

	nm := NewNonceManager(source, rdb, &NonceManagerConfig{
		ChainID:       80002,
		LockTTL:       5 * time.Second,
		LockWait:      5 * time.Second,
		RetryInterval: 5 * time.Millisecond,
	})

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return nm, mr, source, cleanup
}

func TestNonceManager_KeyGeneration(t *testing.T) {
	nm, _, _, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()

	assert.Equal(t, "teo:chain:nonce:80002:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", nm.nonceKey(hotWallet))
	assert.Equal(t, "teo:chain:nonce:lock:80002:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", nm.lockKey(hotWallet))
}

func TestNonceLease_SequentialLegs(t *testing.T) {
	nm, mr, _, cleanup := setupTestNonceManager(t, 41)
	defer cleanup()
	ctx := context.Background()

	lease, err := nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	assert.True(t, mr.Exists(nm.lockKey(hotWallet)))

	leg1 := lease.Next()
	leg2 := lease.Next()
	assert.Equal(t, uint64(41), leg1)
	assert.Equal(t, leg1+1, leg2)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(nm.lockKey(hotWallet)))

	cached, err := mr.Get(nm.nonceKey(hotWallet))
	require.NoError(t, err)
	assert.Equal(t, "43", cached)

	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseReleased)
}

func TestNonceLease_UsesCacheWhenChainLags(t *testing.T) {
	nm, _, source, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()
	ctx := context.Background()

	lease, err := nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	lease.Next()
	lease.Next()
	require.NoError(t, lease.Release(ctx))

	// node has not seen the two mempool entries yet
	source.set(10)

	lease, err = nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), lease.Next())
	require.NoError(t, lease.Release(ctx))
}

func TestNonceLease_ChainAheadOfCache(t *testing.T) {
	nm, mr, source, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, mr.Set(nm.nonceKey(hotWallet), "5"))
	source.set(20)

	lease, err := nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), lease.Next())
	require.NoError(t, lease.Release(ctx))
}

func TestNonceLease_CacheExpires(t *testing.T) {
	nm, mr, source, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()
	ctx := context.Background()

	lease, err := nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	lease.Next()
	require.NoError(t, lease.Release(ctx))

	// the broadcast was dropped from every mempool
	source.set(10)
	mr.FastForward(3 * time.Minute)

	lease, err = nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), lease.Next())
	require.NoError(t, lease.Release(ctx))
}

func TestNonceLease_UnuseOnlyLast(t *testing.T) {
	nm, _, _, cleanup := setupTestNonceManager(t, 3)
	defer cleanup()

	lease, err := nm.Acquire(context.Background(), hotWallet)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	a := lease.Next()
	b := lease.Next()
	lease.Unuse(a)
	assert.Equal(t, uint64(5), lease.Peek())

	lease.Unuse(b)
	assert.Equal(t, b, lease.Next())
}

func TestNonceLease_Resync(t *testing.T) {
	nm, _, source, cleanup := setupTestNonceManager(t, 3)
	defer cleanup()
	ctx := context.Background()

	lease, err := nm.Acquire(ctx, hotWallet)
	require.NoError(t, err)
	defer lease.Release(ctx)

	lease.Next()
	source.set(9)
	require.NoError(t, lease.Resync(ctx))
	assert.Equal(t, uint64(9), lease.Next())

	source.set(2)
	require.NoError(t, lease.Resync(ctx))
	assert.Equal(t, uint64(10), lease.Peek())
}

func TestNonceManager_AcquireTimeout(t *testing.T) {
	nm, _, _, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()
	nm.lockWait = 50 * time.Millisecond

	held, err := nm.Acquire(context.Background(), hotWallet)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = nm.Acquire(context.Background(), hotWallet)
	assert.ErrorIs(t, err, ErrNonceLockTimeout)
}

func TestNonceManager_AcquireCanceled(t *testing.T) {
	nm, _, _, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()

	held, err := nm.Acquire(context.Background(), hotWallet)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = nm.Acquire(ctx, hotWallet)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNonceManager_SourceErrorUnlocks(t *testing.T) {
	nm, mr, source, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()
	source.err = errors.New("rpc down")

	_, err := nm.Acquire(context.Background(), hotWallet)
	assert.Error(t, err)
	assert.False(t, mr.Exists(nm.lockKey(hotWallet)))

	source.err = nil
	lease, err := nm.Acquire(context.Background(), hotWallet)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
}

func TestNonceManager_DistributedLockBlocksOtherInstance(t *testing.T) {
	nm, mr, _, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()

	require.NoError(t, mr.Set(nm.lockKey(hotWallet), "other-instance"))
	nm.lockWait = 50 * time.Millisecond

	_, err := nm.Acquire(context.Background(), hotWallet)
	assert.ErrorIs(t, err, ErrNonceLockTimeout)

	// the other holder's lock is untouched
	v, err := mr.Get(nm.lockKey(hotWallet))
	require.NoError(t, err)
	assert.Equal(t, "other-instance", v)
}

func TestNonceManager_WithoutRedis(t *testing.T) {
	source := &mockNonceSource{pending: 7}
	nm := NewNonceManager(source, nil, &NonceManagerConfig{ChainID: 80002})

	lease, err := nm.Acquire(context.Background(), hotWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), lease.Next())
	require.NoError(t, lease.Release(context.Background()))
}

// The chain's pending count never advances here, so uniqueness depends
// entirely on the lock and the cached sequence.
func TestNonceManager_ConcurrentUniqueness(t *testing.T) {
	nm, _, _, cleanup := setupTestNonceManager(t, 100)
	defer cleanup()

	const workers = 20
	var (
		mu    sync.Mutex
		seen  = make(map[uint64]int)
		pairs [][2]uint64
		wg    sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := nm.Acquire(context.Background(), hotWallet)
			if !assert.NoError(t, err) {
				return
			}
			a, b := lease.Next(), lease.Next()
			assert.NoError(t, lease.Release(context.Background()))

			mu.Lock()
			seen[a]++
			seen[b]++
			pairs = append(pairs, [2]uint64{a, b})
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*2)
	for n, count := range seen {
		assert.Equal(t, 1, count, "nonce %d handed out twice", n)
	}
	for _, p := range pairs {
		assert.Equal(t, p[0]+1, p[1])
	}
}

// Two managers sharing Redis behave like two service instances.
func TestNonceManager_TwoInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	newInstance := func() (*NonceManager, func()) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		nm := NewNonceManager(&mockNonceSource{pending: 0}, rdb, &NonceManagerConfig{
			ChainID:       80002,
			RetryInterval: time.Millisecond,
		})
		return nm, func() { rdb.Close() }
	}
	a, closeA := newInstance()
	defer closeA()
	b, closeB := newInstance()
	defer closeB()

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		for _, nm := range []*NonceManager{a, b} {
			wg.Add(1)
			go func(nm *NonceManager) {
				defer wg.Done()
				lease, err := nm.Acquire(context.Background(), hotWallet)
				if !assert.NoError(t, err) {
					return
				}
				n := lease.Next()
				assert.NoError(t, lease.Release(context.Background()))

				mu.Lock()
				assert.False(t, seen[n], "nonce %d reused", n)
				seen[n] = true
				mu.Unlock()
			}(nm)
		}
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}
