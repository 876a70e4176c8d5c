package service

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/teocoin-chain/internal/blockchain"
	"github.com/teocoin/teocoin-chain/internal/contract"
	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

const fakeGasUsed = 52000

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// fakeChain is an in-memory ChainGateway. Accepted transactions execute
// at once against the TeoCoin balances it keeps; receipts can be withheld
// to simulate slow confirmation.
type fakeChain struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
	token   *contract.TeoCoin

	native     map[common.Address]*big.Int
	teo        map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	nonces     map[common.Address]uint64
	receipts   map[string]*blockchain.Receipt
	accepted   []*types.Transaction
	block      uint64
	gasPrice   *big.Int

	// rejectFn can refuse a submission before it reaches the mempool.
	// attempt counts every SubmitSignedTransaction call from zero.
	rejectFn    func(tx *types.Transaction, attempt int) error
	submitCalls int
	// revertTo makes every transfer to these addresses revert.
	revertTo    map[common.Address]bool
	withheld    map[string]bool
	withholdAll bool
}

func newFakeChain(t *testing.T, token *contract.TeoCoin) *fakeChain {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(80002)
	return &fakeChain{
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		signer:     types.LatestSignerForChainID(chainID),
		token:      token,
		native:     make(map[common.Address]*big.Int),
		teo:        make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		nonces:     make(map[common.Address]uint64),
		receipts:   make(map[string]*blockchain.Receipt),
		gasPrice:   contract.Gwei(30),
		revertTo:   make(map[common.Address]bool),
		withheld:   make(map[string]bool),
	}
}

func newAccount(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func (c *fakeChain) fundNative(addr common.Address, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[addr] = model.MustToWei(decimal.RequireFromString(amount))
}

func (c *fakeChain) fundTeo(addr common.Address, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teo[addr] = model.MustToWei(decimal.RequireFromString(amount))
}

func (c *fakeChain) approve(owner, spender common.Address, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[allowanceKey{owner, spender}] = model.MustToWei(decimal.RequireFromString(amount))
}

func (c *fakeChain) teoOf(addr common.Address) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.FromWei(valueOrZero(c.teo[addr]))
}

func (c *fakeChain) withhold(all bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withholdAll = all
}

// acceptedFrom lists the transactions accepted from sender, in order.
func (c *fakeChain) acceptedFrom(sender common.Address) []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Transaction
	for _, tx := range c.accepted {
		from, _ := types.Sender(c.signer, tx)
		if from == sender {
			out = append(out, tx)
		}
	}
	return out
}

func (c *fakeChain) Address() common.Address { return c.address }

func (c *fakeChain) ChainID() *big.Int { return c.chainID }

func (c *fakeChain) GetBalance(_ context.Context, account, token common.Address) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == (common.Address{}) {
		return model.FromWei(valueOrZero(c.native[account])), nil
	}
	return model.FromWei(valueOrZero(c.teo[account])), nil
}

func (c *fakeChain) GetAllowance(_ context.Context, owner, spender, _ common.Address) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.FromWei(valueOrZero(c.allowances[allowanceKey{owner, spender}])), nil
}

func (c *fakeChain) GetNonce(_ context.Context, account common.Address, _ bool) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return fakeGasUsed, nil
}

func (c *fakeChain) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, c.signer, c.key)
}

// signAs signs tx with an arbitrary key, as a student's wallet would.
func (c *fakeChain) signAs(key *ecdsa.PrivateKey, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, c.signer, key)
}

func (c *fakeChain) SubmitSignedTransaction(_ context.Context, tx *types.Transaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := c.submitCalls
	c.submitCalls++
	if c.rejectFn != nil {
		if err := c.rejectFn(tx, attempt); err != nil {
			return "", err
		}
	}

	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return "", &blockchain.SubmissionRejectedError{Reason: blockchain.RejectOther, Message: err.Error()}
	}
	switch next := c.nonces[sender]; {
	case tx.Nonce() < next:
		return "", &blockchain.SubmissionRejectedError{Reason: blockchain.RejectNonceTooLow, Message: "nonce too low"}
	case tx.Nonce() > next:
		return "", &blockchain.SubmissionRejectedError{Reason: blockchain.RejectNonceTooHigh, Message: "nonce too high"}
	}
	c.nonces[sender]++
	c.accepted = append(c.accepted, tx)
	c.block++

	receipt := &blockchain.Receipt{
		TxHash:      tx.Hash().Hex(),
		Status:      types.ReceiptStatusFailed,
		BlockNumber: c.block,
		GasUsed:     fakeGasUsed,
	}
	if _, tr, err := c.token.DecodeTransferCall(sender, tx.Data()); err == nil && c.execute(sender, tr) {
		log, err := c.token.TransferLog(tr)
		if err != nil {
			return "", err
		}
		receipt.Status = types.ReceiptStatusSuccessful
		receipt.Logs = []*types.Log{log}
	}
	c.receipts[strings.ToLower(receipt.TxHash)] = receipt
	return receipt.TxHash, nil
}

// execute applies a transfer; false means the call reverts.
func (c *fakeChain) execute(sender common.Address, tr *contract.Transfer) bool {
	if c.revertTo[tr.To] {
		return false
	}
	if valueOrZero(c.teo[tr.From]).Cmp(tr.Amount) < 0 {
		return false
	}
	if tr.From != sender {
		key := allowanceKey{tr.From, sender}
		allowance := valueOrZero(c.allowances[key])
		if allowance.Cmp(tr.Amount) < 0 {
			return false
		}
		c.allowances[key] = new(big.Int).Sub(allowance, tr.Amount)
	}
	c.teo[tr.From] = new(big.Int).Sub(c.teo[tr.From], tr.Amount)
	c.teo[tr.To] = new(big.Int).Add(valueOrZero(c.teo[tr.To]), tr.Amount)
	return true
}

func (c *fakeChain) GetReceipt(_ context.Context, txHash string) (*blockchain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := strings.ToLower(txHash)
	if c.withholdAll || c.withheld[hash] {
		return nil, blockchain.ErrReceiptNotFound
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, blockchain.ErrReceiptNotFound
	}
	return receipt, nil
}

func (c *fakeChain) WaitForReceipt(ctx context.Context, txHash string, _ time.Duration) (*blockchain.Receipt, error) {
	receipt, err := c.GetReceipt(ctx, txHash)
	if err == blockchain.ErrReceiptNotFound {
		return nil, apperrors.ErrConfirmationTimeout.WithDetail("tx_hash", txHash)
	}
	return receipt, err
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu       sync.Mutex
	payments []*model.PaymentSettledEvent
	escrows  []*model.EscrowEvent
}

func (p *recordingPublisher) PublishPaymentSettled(_ context.Context, e *model.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, e)
	return nil
}

func (p *recordingPublisher) PublishEscrowEvent(_ context.Context, e *model.EscrowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.escrows = append(p.escrows, e)
	return nil
}

func (p *recordingPublisher) escrowStatuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.escrows))
	for _, e := range p.escrows {
		out = append(out, e.Status)
	}
	return out
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []*model.Notification
	fails bool
}

func (n *recordingNotifier) Notify(_ context.Context, note *model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails {
		return apperrors.ErrInternal.WithMessage("notification service down")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) templates(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.sent {
		if note.UserID == userID {
			out = append(out, note.Template)
		}
	}
	return out
}
