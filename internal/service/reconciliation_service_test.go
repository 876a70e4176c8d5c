package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

func newReconciler(env *testEnv, escrows *EscrowService, offset time.Duration) *ReconciliationService {
	r := NewReconciliationService(&ReconcileConfig{}, env.chain, env.ledger, env.svc, escrows)
	r.now = func() time.Time { return time.Now().Add(offset) }
	return r
}

// submitUnconfirmed settles a purchase while receipts are withheld, leaving
// both legs pending.
func submitUnconfirmed(t *testing.T, env *testEnv, purchaseID string) {
	t.Helper()
	env.chain.withhold(true)
	payment, err := env.svc.SettlePurchase(context.Background(), env.sponsoredRequest(purchaseID, "100", "0.15"))
	require.True(t, apperrors.Is(err, apperrors.ErrConfirmationTimeout), "got %v", err)
	require.Equal(t, model.SplitPaymentStatusSubmitted, payment.Status)
}

func TestReconcilePending_ConfirmsAndSettles(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")
	env.chain.withhold(false)

	res, err := newReconciler(env, nil, 5*time.Minute).ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Confirmed)
	assert.Equal(t, 1, res.PaymentsUpdated)

	payment, err := env.svc.GetPayment(context.Background(), "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, model.SplitPaymentStatusSettled, payment.Status)
	assert.NotZero(t, payment.SettledAt)
}

func TestReconcilePending_SkipsYoungEntries(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")
	env.chain.withhold(false)

	res, err := newReconciler(env, nil, 0).ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}

func TestReconcilePending_StillPending(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")

	res, err := newReconciler(env, nil, 5*time.Minute).ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.StillPending)
	assert.Zero(t, res.PaymentsUpdated)

	payment, err := env.svc.GetPayment(context.Background(), "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, model.SplitPaymentStatusSubmitted, payment.Status)
}

func TestReconcilePending_DropsStaleEntries(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")

	res, err := newReconciler(env, nil, 2*time.Hour).ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 1, res.PaymentsUpdated)

	entries, err := env.ledger.ListByRef(context.Background(), model.RefTypePurchase, "purchase-1")
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.TxStatusFailed, e.Status)
		assert.Contains(t, e.ErrorMessage, "dropped")
	}

	payment, err := env.svc.GetPayment(context.Background(), "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, model.SplitPaymentStatusFailed, payment.Status)
	assert.Equal(t, model.LegTeacher, payment.FailedLeg)
}

func TestReconcilePending_RevertedCommissionIsPartial(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	env.chain.revertTo[env.pool] = true
	submitUnconfirmed(t, env, "purchase-1")
	env.chain.withhold(false)

	res, err := newReconciler(env, nil, 5*time.Minute).ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, res.Failed)

	payment, err := env.svc.GetPayment(context.Background(), "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, model.SplitPaymentStatusPartiallySettled, payment.Status)
	assert.Equal(t, model.LegCommission, payment.FailedLeg)
}

func TestReconcilePending_CompletesEscrowRelease(t *testing.T) {
	eenv := newEscrowEnv(t)
	ctx := context.Background()
	escrow := eenv.create(t, "teacher-1", true)

	eenv.chain.withhold(true)
	_, err := eenv.escrows.Accept(ctx, escrow.ID, "teacher-1", "")
	require.True(t, apperrors.Is(err, apperrors.ErrConfirmationTimeout))
	eenv.chain.withhold(false)

	res, err := newReconciler(eenv.testEnv, eenv.escrows, 5*time.Minute).ReconcilePending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, res.EscrowsCompleted)

	stored, err := eenv.escrows.GetEscrow(ctx, escrow.ID, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusAccepted, stored.Status)
	assert.NotEmpty(t, stored.ReleaseTxHash)
	assert.Equal(t, []string{model.NotifyEscrowAccepted}, eenv.notes.templates("student-1"))
}

func TestTriggerReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")
	env.chain.withhold(false)
	r := newReconciler(env, nil, 5*time.Minute)

	taskID := r.TriggerReconciliation(context.Background(), 10)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		task, ok := r.GetTaskStatus(taskID)
		return ok && task.Status != "running"
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := r.GetTaskStatus(taskID)
	assert.Equal(t, "completed", task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, 2, task.Result.Confirmed)

	_, ok := r.GetTaskStatus("missing")
	assert.False(t, ok)

	r.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	r.CleanupOldTasks(time.Hour)
	_, ok = r.GetTaskStatus(taskID)
	assert.False(t, ok)
}

func TestReconcilePending_RecordsDiscrepancy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")

	records := repository.NewReconciliationRepository(env.db)
	r := newReconciler(env, nil, 2*time.Hour)
	r.SetAuditLog(records)

	_, err := r.ReconcilePending(ctx, 0)
	require.NoError(t, err)

	// nothing left to check, so no second record
	_, err = r.ReconcilePending(ctx, 0)
	require.NoError(t, err)

	page := &repository.Pagination{}
	list, err := r.ListRecords(ctx, nil, page)
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, model.ReconcileTriggerScheduler, rec.Trigger)
	assert.Equal(t, 2, rec.Dropped)
	assert.Equal(t, model.ReconciliationStatusDiscrepancy, rec.Status)

	_, err = r.ResolveRecord(ctx, rec.ID, model.ReconciliationStatusOK, "", "ops-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))

	resolved, err := r.ResolveRecord(ctx, rec.ID, model.ReconciliationStatusResolved, "student refunded off chain", "ops-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReconciliationStatusResolved, resolved.Status)
	assert.Equal(t, "ops-1", resolved.ResolvedBy)

	_, err = r.ResolveRecord(ctx, rec.ID, model.ReconciliationStatusIgnored, "", "ops-2")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))

	_, err = r.ResolveRecord(ctx, 9999, model.ReconciliationStatusResolved, "", "ops-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestTriggerReconciliation_RecordsManualPass(t *testing.T) {
	env := newTestEnv(t)
	env.fundStudent(env.student, "100", "100")
	submitUnconfirmed(t, env, "purchase-1")
	env.chain.withhold(false)

	records := repository.NewReconciliationRepository(env.db)
	r := newReconciler(env, nil, 5*time.Minute)
	r.SetAuditLog(records)

	taskID := r.TriggerReconciliation(context.Background(), 10)
	require.Eventually(t, func() bool {
		task, ok := r.GetTaskStatus(taskID)
		return ok && task.Status != "running"
	}, 5*time.Second, 10*time.Millisecond)

	list, err := records.List(context.Background(), nil, &repository.Pagination{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ReconcileTriggerManual, list[0].Trigger)
	assert.Equal(t, taskID, list[0].TaskID)
	assert.Equal(t, model.ReconciliationStatusOK, list[0].Status)
}
