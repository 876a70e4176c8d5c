package model

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTxStatus_String(t *testing.T) {
	tests := []struct {
		status   TxStatus
		expected string
	}{
		{TxStatusPending, "pending"},
		{TxStatusConfirmed, "confirmed"},
		{TxStatusFailed, "failed"},
		{TxStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestTxStatus_IsTerminal(t *testing.T) {
	assert.False(t, TxStatusPending.IsTerminal())
	assert.True(t, TxStatusConfirmed.IsTerminal())
	assert.True(t, TxStatusFailed.IsTerminal())
}

func TestTxKind_String(t *testing.T) {
	assert.Equal(t, "transferFrom", TxKindTransferFrom.String())
	assert.Equal(t, "native_transfer", TxKindNativeTransfer.String())
	assert.Equal(t, "unknown", TxKind(0).String())
}

func TestChainTransaction_SameContent(t *testing.T) {
	base := &ChainTransaction{
		IdempotencyKey: LegKey(RefTypePurchase, "p-1", LegTeacher),
		Kind:           TxKindTransferFrom,
		LegIndex:       LegTeacher,
		FromAddress:    "0xA",
		ToAddress:      "0xB",
		Amount:         decimal.RequireFromString("85"),
		Nonce:          7,
	}

	retry := *base
	retry.Nonce = 8
	retry.Amount = decimal.RequireFromString("85.000")
	assert.True(t, base.SameContent(&retry))

	changed := *base
	changed.Amount = decimal.RequireFromString("86")
	assert.False(t, base.SameContent(&changed))

	redirected := *base
	redirected.ToAddress = "0xC"
	assert.False(t, base.SameContent(&redirected))
}

func TestLegKey(t *testing.T) {
	assert.Equal(t, "purchase:p-1:leg:2", LegKey(RefTypePurchase, "p-1", LegCommission))
}

func TestSplitPaymentStatus(t *testing.T) {
	tests := []struct {
		status     SplitPaymentStatus
		expected   string
		isTerminal bool
	}{
		{SplitPaymentStatusPending, "pending", false},
		{SplitPaymentStatusSubmitted, "submitted", false},
		{SplitPaymentStatusSettled, "settled", true},
		{SplitPaymentStatusPartiallySettled, "partially_settled", true},
		{SplitPaymentStatusFailed, "failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
			assert.Equal(t, tt.isTerminal, tt.status.IsTerminal())
		})
	}
}

func TestParsePaymentMode(t *testing.T) {
	m, ok := ParsePaymentMode("sponsored")
	assert.True(t, ok)
	assert.Equal(t, PaymentModeSponsored, m)

	_, ok = ParsePaymentMode("gasless")
	assert.False(t, ok)
}

func TestComputeSplit_Scenario(t *testing.T) {
	teacher, commission := ComputeSplit(decimal.RequireFromString("100.00"), decimal.RequireFromString("0.15"))

	assert.True(t, teacher.Equal(decimal.RequireFromString("85")))
	assert.True(t, commission.Equal(decimal.RequireFromString("15")))
}

func TestComputeSplit_SumsExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		amount := decimal.New(rng.Int63n(1_000_000_000_000)+1, -int32(rng.Intn(19)))
		rate := decimal.New(rng.Int63n(1_000_001), -6)

		teacher, commission := ComputeSplit(amount, rate)

		assert.True(t, teacher.Add(commission).Equal(amount), "amount=%s rate=%s", amount, rate)
		assert.False(t, commission.IsNegative())
		assert.False(t, teacher.IsNegative())
		_, err := ToWei(commission)
		assert.NoError(t, err)
	}
}

func TestComputeSplit_Bounds(t *testing.T) {
	amount := decimal.RequireFromString("42.5")

	teacher, commission := ComputeSplit(amount, decimal.Zero)
	assert.True(t, teacher.Equal(amount))
	assert.True(t, commission.IsZero())

	teacher, commission = ComputeSplit(amount, decimal.NewFromInt(1))
	assert.True(t, teacher.IsZero())
	assert.True(t, commission.Equal(amount))
}

func TestEscrowStatus(t *testing.T) {
	assert.Equal(t, "pending", EscrowStatusPending.String())
	assert.Equal(t, "expired", EscrowStatusExpired.String())
	assert.False(t, EscrowStatusPending.IsTerminal())
	assert.True(t, EscrowStatusAccepted.IsTerminal())
	assert.True(t, EscrowStatusRejected.IsTerminal())
	assert.True(t, EscrowStatusExpired.IsTerminal())

	st, ok := ParseEscrowStatus("rejected")
	assert.True(t, ok)
	assert.Equal(t, EscrowStatusRejected, st)
	_, ok = ParseEscrowStatus("refunded")
	assert.False(t, ok)
}

func TestQuoteEscrow_Scenario(t *testing.T) {
	q := QuoteEscrow(decimal.NewFromInt(100), decimal.NewFromInt(15), decimal.RequireFromString("0.15"))

	assert.True(t, q.DiscountEuroAmount.Equal(decimal.NewFromInt(15)))
	assert.True(t, q.StandardCommission.Equal(decimal.NewFromInt(15)))
	assert.True(t, q.ReducedCommission.Equal(decimal.RequireFromString("12.75")))
}

func TestEscrow_Payouts(t *testing.T) {
	e := &Escrow{
		OriginalPrice:      decimal.NewFromInt(100),
		DiscountEuroAmount: decimal.NewFromInt(15),
		StandardCommission: decimal.NewFromInt(15),
		ReducedCommission:  decimal.RequireFromString("12.75"),
	}

	assert.True(t, e.DiscountedPrice().Equal(decimal.NewFromInt(85)))
	assert.True(t, e.TeacherEuroIfAccepted().Equal(decimal.RequireFromString("72.25")))
	assert.True(t, e.TeacherEuroIfRejected().Equal(decimal.NewFromInt(85)))
}

func TestEscrow_IsExpiredAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &Escrow{ExpiresAt: created.Add(DefaultEscrowDuration).UnixMilli()}

	assert.False(t, e.IsExpiredAt(created))
	assert.False(t, e.IsExpiredAt(created.Add(DefaultEscrowDuration)))
	assert.True(t, e.IsExpiredAt(created.Add(DefaultEscrowDuration+time.Millisecond)))
}

func TestPrereqResult_Shortfall(t *testing.T) {
	all := PrereqResult{SufficientTeo: true, SufficientGas: true, SufficientPoolGas: true, SufficientAllowance: true}
	assert.True(t, all.OK())

	noTeo := all
	noTeo.SufficientTeo = false
	noTeo.SufficientPoolGas = false
	assert.Equal(t, FundsKindTeo, noTeo.Shortfall())

	noPool := all
	noPool.SufficientPoolGas = false
	assert.Equal(t, FundsKindPoolGas, noPool.Shortfall())

	noAllowance := all
	noAllowance.SufficientAllowance = false
	assert.Equal(t, FundsKindAllowance, noAllowance.Shortfall())
}

func TestGasTreasuryStatus(t *testing.T) {
	s := &GasTreasuryStatus{
		CurrentBalance: decimal.RequireFromString("0.3"),
		MinBalance:     decimal.RequireFromString("0.1"),
		LowThreshold:   decimal.RequireFromString("0.5"),
	}
	assert.True(t, s.CanSponsor())
	assert.True(t, s.IsLow())

	s.CurrentBalance = decimal.RequireFromString("0.05")
	assert.False(t, s.CanSponsor())
}
