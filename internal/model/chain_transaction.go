package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TxKind is the on-chain operation a ledger entry represents.
type TxKind int8

const (
	TxKindTransfer       TxKind = 1
	TxKindTransferFrom   TxKind = 2
	TxKindApprove        TxKind = 3
	TxKindMint           TxKind = 4
	TxKindNativeTransfer TxKind = 5
)

func (k TxKind) String() string {
	switch k {
	case TxKindTransfer:
		return "transfer"
	case TxKindTransferFrom:
		return "transferFrom"
	case TxKindApprove:
		return "approve"
	case TxKindMint:
		return "mint"
	case TxKindNativeTransfer:
		return "native_transfer"
	default:
		return "unknown"
	}
}

// TxStatus is the lifecycle of a ledger entry.
type TxStatus int8

const (
	TxStatusPending   TxStatus = 0 // signed, broadcast or about to be
	TxStatusConfirmed TxStatus = 1 // receipt status 1
	TxStatusFailed    TxStatus = 2 // rejected or reverted
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "pending"
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the entry can no longer change.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// Ledger reference types.
const (
	RefTypePurchase = "purchase"
	RefTypeEscrow   = "escrow"
)

// Leg indexes inside a split payment.
const (
	LegTeacher    = 1
	LegCommission = 2
	LegRelease    = 1
)

// ChainTransaction is one attempt of one on-chain operation. Entries are
// append-only; only status, receipt fields and error are updated.
type ChainTransaction struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string          `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex:idx_ledger_key_attempt,priority:1" json:"idempotency_key"`
	Attempt        int             `gorm:"column:attempt;type:int;not null;default:1;uniqueIndex:idx_ledger_key_attempt,priority:2" json:"attempt"`
	RefType        string          `gorm:"column:ref_type;type:varchar(20);not null;index:idx_ledger_ref,priority:1" json:"ref_type"`
	RefID          string          `gorm:"column:ref_id;type:varchar(64);not null;index:idx_ledger_ref,priority:2" json:"ref_id"`
	LegIndex       int             `gorm:"column:leg_index;type:int;not null" json:"leg_index"`
	Kind           TxKind          `gorm:"column:kind;type:smallint;not null" json:"kind"`
	FromAddress    string          `gorm:"column:from_address;type:varchar(42);index;not null" json:"from_address"`
	ToAddress      string          `gorm:"column:to_address;type:varchar(42);not null" json:"to_address"`
	Sender         string          `gorm:"column:sender;type:varchar(42);not null" json:"sender"`
	TokenAddress   string          `gorm:"column:token_address;type:varchar(42)" json:"token_address"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Nonce          int64           `gorm:"column:nonce;type:bigint" json:"nonce"`
	GasPrice       decimal.Decimal `gorm:"column:gas_price;type:decimal(36,0)" json:"gas_price"`
	GasLimit       int64           `gorm:"column:gas_limit;type:bigint" json:"gas_limit"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash"`
	BlockNumber    int64           `gorm:"column:block_number;type:bigint" json:"block_number"`
	GasUsed        int64           `gorm:"column:gas_used;type:bigint" json:"gas_used"`
	Status         TxStatus        `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	ErrorMessage   string          `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	SubmittedAt    int64           `gorm:"column:submitted_at;type:bigint" json:"submitted_at"`
	ConfirmedAt    int64           `gorm:"column:confirmed_at;type:bigint" json:"confirmed_at"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName returns the table name.
func (ChainTransaction) TableName() string {
	return "teo_chain_transactions"
}

// SameContent reports whether two entries describe the same transfer.
// Nonce, gas and hash are attempt details and do not count.
func (t *ChainTransaction) SameContent(other *ChainTransaction) bool {
	return t.IdempotencyKey == other.IdempotencyKey &&
		t.Kind == other.Kind &&
		t.LegIndex == other.LegIndex &&
		t.FromAddress == other.FromAddress &&
		t.ToAddress == other.ToAddress &&
		t.Amount.Equal(other.Amount)
}

// LegKey derives the idempotency key of one leg of a purchase or escrow.
func LegKey(refType, refID string, leg int) string {
	return fmt.Sprintf("%s:%s:leg:%d", refType, refID, leg)
}
