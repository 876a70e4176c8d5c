package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/teocoin/teocoin-chain/internal/contract"
	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
	"go.uber.org/zap"
)

// RPCEndpoint tracks the health of one configured RPC URL.
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Receipt is the part of a transaction receipt the platform uses.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
	Logs        []*types.Log
}

// Succeeded reports whether the transaction executed without revert.
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Client is the ChainGateway: a failover JSON-RPC client plus the hot
// wallet's signing key. It holds no state beyond the connection.
type Client struct {
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
	signer     types.Signer

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
	requestTimeout  time.Duration
	pollInterval    time.Duration
}

type ClientConfig struct {
	ChainID         int64
	PrivateKey      string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
	// RequestTimeout bounds each RPC round trip.
	RequestTimeout time.Duration
	// ReceiptPollInterval is the WaitForReceipt polling period.
	ReceiptPollInterval time.Duration
}

// NewClient parses the signing key and connects to the first healthy endpoint.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, ErrInvalidPrivateKey
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	pollInterval := cfg.ReceiptPollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}

	chainID := big.NewInt(cfg.ChainID)
	c := &Client{
		chainID:         chainID,
		privateKey:      privateKey,
		address:         address,
		signer:          types.NewEIP155Signer(chainID),
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		healthCheckFreq: healthCheckFreq,
		requestTimeout:  requestTimeout,
		pollInterval:    pollInterval,
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		return nil, chainUnavailable(err)
	}

	return c, nil
}

// connect dials endpoints round-robin from the current one, skipping those
// marked unhealthy within healthCheckFreq.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			c.markUnhealthyLocked(ep)
			continue
		}

		remoteID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			c.markUnhealthyLocked(ep)
			continue
		}
		if remoteID.Cmp(c.chainID) != 0 {
			logger.Error("rpc endpoint serves a different chain",
				zap.String("url", ep.URL),
				zap.String("expected", c.chainID.String()),
				zap.String("got", remoteID.String()))
			client.Close()
			c.markUnhealthyLocked(ep)
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) markUnhealthyLocked(ep *RPCEndpoint) {
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry runs fn with a per-call timeout, failing over between endpoints
// on transport errors. A JSON-RPC error response is returned as is. When
// every attempt fails on transport the result wraps ErrChainUnavailable.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context, *ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			c.sleep(ctx)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		err = fn(callCtx, client)
		cancel()
		if err == nil {
			return nil
		}
		if isNodeError(err) || errors.Is(err, ethereum.NotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err

		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.markUnhealthyLocked(c.endpoints[c.currentIdx])
		}
		c.mu.Unlock()

		if i < c.maxRetries-1 {
			_ = c.connect(ctx)
			c.sleep(ctx)
		}
	}
	return chainUnavailable(lastErr)
}

func (c *Client) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.retryInterval):
	}
}

// Address returns the hot wallet address.
func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// GetBalance returns the balance of account in token units. A zero token
// address means the native gas token. A reverted token read is logged and
// reported as zero; transport failure is ErrChainUnavailable.
func (c *Client) GetBalance(ctx context.Context, account, token common.Address) (decimal.Decimal, error) {
	if token == (common.Address{}) {
		wei, err := c.BalanceAt(ctx, account, nil)
		if err != nil {
			return decimal.Zero, err
		}
		return model.FromWei(wei), nil
	}

	tok, err := contract.NewTeoCoin(&contract.TeoCoinConfig{Address: token}, c, nil)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := tok.BalanceOf(ctx, account)
	if err != nil {
		if isRevert(err) {
			logger.Warn("balanceOf reverted, reporting zero",
				zap.String("token", token.Hex()),
				zap.String("account", account.Hex()),
				zap.Error(err))
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return model.FromWei(wei), nil
}

// GetAllowance returns how much spender may move from owner, in token units.
func (c *Client) GetAllowance(ctx context.Context, owner, spender, token common.Address) (decimal.Decimal, error) {
	tok, err := contract.NewTeoCoin(&contract.TeoCoinConfig{Address: token}, c, nil)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := tok.Allowance(ctx, owner, spender)
	if err != nil {
		if isRevert(err) {
			logger.Warn("allowance reverted, reporting zero",
				zap.String("owner", owner.Hex()),
				zap.Error(err))
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return model.FromWei(wei), nil
}

// GetNonce returns the next nonce of account. With includePending the
// mempool is counted, so back-to-back submissions do not collide.
func (c *Client) GetNonce(ctx context.Context, account common.Address, includePending bool) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		if includePending {
			nonce, err = client.PendingNonceAt(ctx, account)
		} else {
			nonce, err = client.NonceAt(ctx, account, nil)
		}
		return err
	})
	return nonce, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas is best effort; callers apply a safety multiplier.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SubmitSignedTransaction broadcasts tx and returns its normalized hash
// without waiting for confirmation. Node refusals are returned as
// *SubmissionRejectedError.
func (c *Client) SubmitSignedTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	hash := strings.ToLower(tx.Hash().Hex())
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
	if err == nil {
		return hash, nil
	}
	if isNodeError(err) {
		if isAlreadyKnown(err) {
			return hash, nil
		}
		return "", classifyRejection(err)
	}
	return "", err
}

// GetReceipt returns the receipt or ErrReceiptNotFound while unmined.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return toReceipt(receipt), nil
}

// WaitForReceipt polls until the receipt appears or timeout elapses, then
// fails with ErrConfirmationTimeout. The transaction may still confirm later.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			logger.Debug("receipt poll failed",
				zap.String("tx_hash", txHash),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperrors.ErrConfirmationTimeout.WithDetail("tx_hash", txHash)
		case <-ticker.C:
		}
	}
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

// CallContract implements bind.ContractCaller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// CodeAt implements bind.ContractCaller.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		code, err = client.CodeAt(ctx, account, blockNumber)
		return err
	})
	return code, err
}

// SignTransaction signs tx with the hot wallet key.
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrNoSigningKey
	}
	return types.SignTx(tx, c.signer, c.privateKey)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck reports whether the current endpoint answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  strings.ToLower(r.TxHash.Hex()),
		Status:  r.Status,
		GasUsed: r.GasUsed,
		Logs:    r.Logs,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
