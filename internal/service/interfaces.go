// Package service implements TeoCoin settlement and escrow decisions.
//
// PaymentService moves TEO between student, teacher and reward pool, either
// by verifying transfers the student signed (direct mode) or by submitting
// transferFrom legs from the platform hot wallet (sponsored mode).
// EscrowService runs the teacher accept/reject/expire state machine and
// releases escrowed TEO through PaymentService.TransferSingle.
// ReconciliationService resolves ledger entries left pending by
// confirmation timeouts.
package service

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/teocoin/teocoin-chain/internal/blockchain"
	"github.com/teocoin/teocoin-chain/internal/model"
)

// ChainGateway is the JSON-RPC surface the services need. *blockchain.Client
// implements it; tests substitute an in-memory chain.
type ChainGateway interface {
	// Address is the platform hot wallet that signs and pays gas.
	Address() common.Address
	ChainID() *big.Int

	GetBalance(ctx context.Context, account, token common.Address) (decimal.Decimal, error)
	GetAllowance(ctx context.Context, owner, spender, token common.Address) (decimal.Decimal, error)
	GetNonce(ctx context.Context, account common.Address, includePending bool) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SubmitSignedTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	GetReceipt(ctx context.Context, txHash string) (*blockchain.Receipt, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*blockchain.Receipt, error)
}

var _ ChainGateway = (*blockchain.Client)(nil)

// Notifier delivers user notifications. Delivery is fire-and-forget: errors
// are logged by the caller and never block settlement or escrow logic.
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) error
}

// EventPublisher publishes state changes to downstream consumers.
type EventPublisher interface {
	PublishPaymentSettled(ctx context.Context, event *model.PaymentSettledEvent) error
	PublishEscrowEvent(ctx context.Context, event *model.EscrowEvent) error
}

// CommissionRateProvider resolves a teacher's platform commission, a
// fraction in [0,1].
type CommissionRateProvider interface {
	CommissionRateFor(ctx context.Context, teacherID string) (decimal.Decimal, error)
}

// Clock returns the current time. Tests advance it explicitly.
type Clock func() time.Time

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *model.Notification) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishPaymentSettled(context.Context, *model.PaymentSettledEvent) error {
	return nil
}

func (nopPublisher) PublishEscrowEvent(context.Context, *model.EscrowEvent) error { return nil }
