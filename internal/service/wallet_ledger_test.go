package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/teocoin-chain/internal/model"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

func TestPreflightPurchase_Sponsored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundStudent(env.student, "100", "60")

	res, err := env.wallet.PreflightPurchase(ctx, env.student, env.teacher, dec("50"), model.PaymentModeSponsored, 2)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.True(t, res.StudentTeo.Equal(dec("100")))
	assert.True(t, res.Allowance.Equal(dec("60")))
	// 0.05 floor + two transferFrom at 36 gwei
	assert.True(t, res.RequiredGas.Equal(dec("0.05576")), res.RequiredGas.String())

	res, err = env.wallet.PreflightPurchase(ctx, env.student, env.teacher, dec("80"), model.PaymentModeSponsored, 2)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, model.FundsKindAllowance, res.Shortfall())
	assert.Contains(t, res.Detail, "allowance")

	ife := env.wallet.ShortfallError(res, env.student, dec("80"))
	assert.Equal(t, model.FundsKindAllowance, ife.Kind)
	assert.True(t, ife.Available.Equal(dec("60")))
	assert.Equal(t, env.student.Hex(), ife.Address)
}

func TestPreflightPurchase_Direct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.fundTeo(env.student, "100")
	env.chain.fundNative(env.student, "0.001")

	res, err := env.wallet.PreflightPurchase(ctx, env.student, env.teacher, dec("50"), model.PaymentModeDirect, 2)
	require.NoError(t, err)
	assert.True(t, res.SufficientTeo)
	assert.True(t, res.SufficientAllowance)
	assert.False(t, res.SufficientGas)
	assert.Equal(t, model.FundsKindGas, res.Shortfall())

	ife := env.wallet.ShortfallError(res, env.student, dec("50"))
	assert.True(t, ife.Required.Equal(dec("0.01")))
	assert.True(t, ife.Available.Equal(dec("0.001")))

	// TEO is reported before gas
	res, err = env.wallet.PreflightPurchase(ctx, env.student, env.teacher, dec("500"), model.PaymentModeDirect, 2)
	require.NoError(t, err)
	assert.Equal(t, model.FundsKindTeo, res.Shortfall())
}

func TestPreflightPurchase_PoolGasShortfallNamesHotWallet(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	env.chain.fundNative(env.chain.Address(), "0.05")

	res, err := env.wallet.PreflightPurchase(context.Background(), env.student, env.teacher, dec("10"), model.PaymentModeSponsored, 2)
	require.NoError(t, err)
	assert.Equal(t, model.FundsKindPoolGas, res.Shortfall())

	ife := env.wallet.ShortfallError(res, env.student, dec("10"))
	assert.Equal(t, env.chain.Address().Hex(), ife.Address)
	assert.True(t, ife.Available.Equal(dec("0.05")))
}

func TestPreflightPurchase_ZeroTeacher(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.wallet.PreflightPurchase(context.Background(), env.student, common.Address{}, dec("10"), model.PaymentModeSponsored, 2)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidAddress))
}

func TestCheckSufficientBalanceAndAllowance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundStudent(env.student, "10", "5")

	ok, err := env.wallet.CheckSufficientBalance(ctx, env.student, testTokenAddress, dec("10"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.wallet.CheckSufficientBalance(ctx, env.student, testTokenAddress, dec("10.000000000000000001"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.wallet.CheckSufficientAllowance(ctx, env.student, env.chain.Address(), testTokenAddress, dec("5"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.wallet.CheckSufficientAllowance(ctx, env.student, env.chain.Address(), testTokenAddress, dec("6"))
	require.NoError(t, err)
	assert.False(t, ok)

	gas, err := env.wallet.GetNativeGasBalance(ctx, env.student)
	require.NoError(t, err)
	assert.True(t, gas.Equal(dec("1")))
}

func TestGasTreasuryStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	status, err := env.wallet.GasTreasuryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.chain.Address().Hex(), status.Address)
	assert.True(t, status.CurrentBalance.Equal(dec("10")))
	assert.True(t, status.CanSponsor())
	assert.False(t, status.IsLow())
	assert.Equal(t, "36000000000", status.GasPriceWei.String())
	assert.Equal(t, int64(4252), status.Capacity[model.OpTransfer])
	assert.Equal(t, int64(3454), status.Capacity[model.OpTransferFrom])
	assert.Equal(t, int64(5527), status.Capacity[model.OpApprove])

	// served from cache until the TTL passes
	env.chain.fundNative(env.chain.Address(), "0.01")
	cached, err := env.wallet.GasTreasuryStatus(ctx)
	require.NoError(t, err)
	assert.True(t, cached.CurrentBalance.Equal(dec("10")))
}

func TestGasTreasuryStatus_BelowFloor(t *testing.T) {
	env := newTestEnv(t)
	env.chain.fundNative(env.chain.Address(), "0.01")

	status, err := env.wallet.GasTreasuryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.CanSponsor())
	assert.True(t, status.IsLow())
	for op, n := range status.Capacity {
		assert.Zero(t, n, op)
	}
}
