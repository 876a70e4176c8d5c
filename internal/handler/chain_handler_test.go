package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	"github.com/teocoin/teocoin-chain/internal/service"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	restore := logger.ReplaceForTest(zap.NewNop())
	code := m.Run()
	restore()
	os.Exit(code)
}

type MockPaymentAPI struct{ mock.Mock }

func (m *MockPaymentAPI) SettlePurchase(ctx context.Context, req *service.SettleRequest) (*model.SplitPayment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SplitPayment), args.Error(1)
}

func (m *MockPaymentAPI) GetPayment(ctx context.Context, purchaseID string) (*model.SplitPayment, error) {
	args := m.Called(ctx, purchaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SplitPayment), args.Error(1)
}

func (m *MockPaymentAPI) Preflight(ctx context.Context, student, teacher string, amount decimal.Decimal, mode model.PaymentMode) (*model.PrereqResult, error) {
	args := m.Called(ctx, student, teacher, amount, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PrereqResult), args.Error(1)
}

type MockTreasuryAPI struct{ mock.Mock }

func (m *MockTreasuryAPI) GasTreasuryStatus(ctx context.Context) (*model.GasTreasuryStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GasTreasuryStatus), args.Error(1)
}

type MockReconcileAPI struct{ mock.Mock }

func (m *MockReconcileAPI) TriggerReconciliation(ctx context.Context, limit int) string {
	return m.Called(ctx, limit).String(0)
}

func (m *MockReconcileAPI) GetTaskStatus(taskID string) (*service.ReconciliationTask, bool) {
	args := m.Called(taskID)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*service.ReconciliationTask), args.Bool(1)
}

func (m *MockReconcileAPI) ListRecords(ctx context.Context, status *model.ReconciliationStatus, page *repository.Pagination) ([]*model.ReconciliationRecord, error) {
	args := m.Called(ctx, status, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ReconciliationRecord), args.Error(1)
}

func (m *MockReconcileAPI) ResolveRecord(ctx context.Context, id int64, status model.ReconciliationStatus, resolution, resolvedBy string) (*model.ReconciliationRecord, error) {
	args := m.Called(ctx, id, status, resolution, resolvedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationRecord), args.Error(1)
}

type fixedRate decimal.Decimal

func (r fixedRate) CommissionRateFor(context.Context, string) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

type chainMocks struct {
	payments  *MockPaymentAPI
	treasury  *MockTreasuryAPI
	reconcile *MockReconcileAPI
	escrows   *MockEscrowAPI
}

func setupRouter() (*gin.Engine, *chainMocks) {
	m := &chainMocks{
		payments:  new(MockPaymentAPI),
		treasury:  new(MockTreasuryAPI),
		reconcile: new(MockReconcileAPI),
		escrows:   new(MockEscrowAPI),
	}
	health := NewHealthHandler(nil)
	health.SetReady(true)
	r := NewRouter(&RouterDeps{
		Chain:  NewChainHandler(m.payments, m.treasury, m.reconcile, fixedRate(decimal.RequireFromString("0.15"))),
		Escrow: NewEscrowHandler(m.escrows),
		Health: health,
	})
	return r, m
}

type envelope struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RetrySafe *bool             `json:"retry_safe"`
	Details   map[string]string `json:"details"`
	Data      json.RawMessage   `json:"data"`
	TraceID   string            `json:"trace_id"`
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

const (
	student = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	teacher = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func purchaseBody() map[string]interface{} {
	return map[string]interface{}{
		"purchase_id":     "purchase-1",
		"student_address": student,
		"teacher_address": teacher,
		"teacher_id":      "teacher-1",
		"amount":          "100",
		"mode":            "sponsored",
	}
}

func TestSettlePurchase_Success(t *testing.T) {
	r, m := setupRouter()

	m.payments.On("SettlePurchase", mock.Anything, mock.MatchedBy(func(req *service.SettleRequest) bool {
		return req.PurchaseID == "purchase-1" &&
			req.Mode == model.PaymentModeSponsored &&
			req.CommissionRate.Equal(decimal.RequireFromString("0.15"))
	})).Return(&model.SplitPayment{
		PurchaseID:       "purchase-1",
		Status:           model.SplitPaymentStatusSettled,
		TeacherAmount:    decimal.NewFromInt(85),
		CommissionAmount: decimal.NewFromInt(15),
	}, nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/purchases", purchaseBody())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", env.Code)
	assert.NotEmpty(t, env.TraceID)
	assert.Equal(t, env.TraceID, w.Header().Get(TraceIDHeader))

	var p model.SplitPayment
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, model.SplitPaymentStatusSettled, p.Status)
	assert.True(t, p.TeacherAmount.Equal(decimal.NewFromInt(85)))
	m.payments.AssertExpectations(t)
}

func TestSettlePurchase_InsufficientFundsIsRetrySafe(t *testing.T) {
	r, m := setupRouter()

	m.payments.On("SettlePurchase", mock.Anything, mock.Anything).Return(nil, &service.InsufficientFundsError{
		Kind:      model.FundsKindAllowance,
		Address:   student,
		Required:  decimal.NewFromInt(100),
		Available: decimal.NewFromInt(40),
	})

	w, env := do(t, r, http.MethodPost, "/api/v1/purchases", purchaseBody())

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperrors.ErrInsufficientFunds.Code, env.Code)
	require.NotNil(t, env.RetrySafe)
	assert.True(t, *env.RetrySafe)
	assert.Equal(t, "allowance", env.Details["kind"])
	assert.Equal(t, "40", env.Details["available"])
}

func TestSettlePurchase_PartialCarriesPayment(t *testing.T) {
	r, m := setupRouter()

	payment := &model.SplitPayment{
		PurchaseID:    "purchase-1",
		Status:        model.SplitPaymentStatusPartiallySettled,
		TeacherTxHash: "0xaaaa",
		FailedLeg:     2,
	}
	m.payments.On("SettlePurchase", mock.Anything, mock.Anything).Return(payment, &service.PartialSettlementError{
		PurchaseID:    "purchase-1",
		FailedLeg:     2,
		LastError:     "replacement transaction underpriced",
		TeacherTxHash: "0xaaaa",
	})

	w, env := do(t, r, http.MethodPost, "/api/v1/purchases", purchaseBody())

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrPartialSettlement.Code, env.Code)
	require.NotNil(t, env.RetrySafe)
	assert.False(t, *env.RetrySafe)
	assert.Equal(t, "0xaaaa", env.Details["teacher_tx_hash"])

	var p model.SplitPayment
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, 2, p.FailedLeg)
}

func TestSettlePurchase_TimeoutIsAccepted(t *testing.T) {
	r, m := setupRouter()

	m.payments.On("SettlePurchase", mock.Anything, mock.Anything).Return(
		&model.SplitPayment{PurchaseID: "purchase-1", Status: model.SplitPaymentStatusSubmitted},
		apperrors.ErrConfirmationTimeout.WithDetail("tx_hash", "0xbbbb"),
	)

	w, env := do(t, r, http.MethodPost, "/api/v1/purchases", purchaseBody())
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, *env.RetrySafe)
	assert.NotEmpty(t, env.Data)
}

func TestSettlePurchase_Validation(t *testing.T) {
	r, _ := setupRouter()

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed", "not an object"},
		{"missing purchase id", map[string]interface{}{"amount": "1", "mode": "sponsored"}},
		{"unknown mode", map[string]interface{}{"purchase_id": "p", "amount": "1", "mode": "cash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, r, http.MethodPost, "/api/v1/purchases", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, apperrors.ErrInvalidParam.Code, env.Code)
			assert.True(t, *env.RetrySafe)
		})
	}
}

func TestGetPayment(t *testing.T) {
	r, m := setupRouter()

	m.payments.On("GetPayment", mock.Anything, "purchase-1").
		Return(&model.SplitPayment{PurchaseID: "purchase-1"}, nil)
	m.payments.On("GetPayment", mock.Anything, "missing").
		Return(nil, apperrors.ErrPaymentNotFound.WithDetail("purchase_id", "missing"))

	w, _ := do(t, r, http.MethodGet, "/api/v1/purchases/purchase-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, r, http.MethodGet, "/api/v1/purchases/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrPaymentNotFound.Code, env.Code)
}

func TestPreflight(t *testing.T) {
	r, m := setupRouter()

	m.payments.On("Preflight", mock.Anything, student, teacher, mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(100))
	}), model.PaymentModeDirect).
		Return(&model.PrereqResult{SufficientTeo: true, SufficientGas: false, Detail: "student gas"}, nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/purchases/preflight", map[string]interface{}{
		"student_address": student,
		"teacher_address": teacher,
		"amount":          "100",
		"mode":            "direct",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res model.PrereqResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.SufficientTeo)
	assert.False(t, res.SufficientGas)

	w, _ = do(t, r, http.MethodPost, "/api/v1/purchases/preflight", map[string]interface{}{"amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGasTreasury(t *testing.T) {
	r, m := setupRouter()

	m.treasury.On("GasTreasuryStatus", mock.Anything).Return(&model.GasTreasuryStatus{
		CurrentBalance: decimal.RequireFromString("9.5"),
		Capacity:       map[string]int64{model.OpTransfer: 4000},
	}, nil)

	w, env := do(t, r, http.MethodGet, "/api/v1/treasury", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st model.GasTreasuryStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, int64(4000), st.Capacity[model.OpTransfer])
}

func TestGasTreasury_ChainDown(t *testing.T) {
	r, m := setupRouter()
	m.treasury.On("GasTreasuryStatus", mock.Anything).Return(nil, apperrors.ErrChainUnavailable)

	w, env := do(t, r, http.MethodGet, "/api/v1/treasury", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, *env.RetrySafe)
}

func TestReconciliationEndpoints(t *testing.T) {
	r, m := setupRouter()

	m.reconcile.On("TriggerReconciliation", mock.Anything, 50).Return("task-1")
	m.reconcile.On("GetTaskStatus", "task-1").Return(&service.ReconciliationTask{TaskID: "task-1", Status: "completed"}, true)
	m.reconcile.On("GetTaskStatus", "nope").Return(nil, false)

	w, env := do(t, r, http.MethodPost, "/admin/reconcile?limit=50", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(env.Data))

	w, env = do(t, r, http.MethodGet, "/admin/reconcile/task-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task service.ReconciliationTask
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, "completed", task.Status)

	w, _ = do(t, r, http.MethodGet, "/admin/reconcile/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, http.MethodPost, "/admin/reconcile?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Trace(), Recovery())
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w, env := do(t, r, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperrors.ErrInternal.Code, env.Code)
	assert.False(t, *env.RetrySafe)
}

func TestTrace_PropagatesHeader(t *testing.T) {
	r := gin.New()
	r.Use(Trace())
	r.GET("/ping", func(c *gin.Context) { Success(c, nil) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(TraceIDHeader, "trace-abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-abc", w.Header().Get(TraceIDHeader))
	assert.Contains(t, w.Body.String(), `"trace_id":"trace-abc"`)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"database": func(context.Context) error { return nil },
		"chain":    func(context.Context) error { return apperrors.ErrChainUnavailable },
	})
	r := gin.New()
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)

	w, _ := do(t, r, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "initializing")

	h.SetReady(true)
	w, _ = do(t, r, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
}

func TestReconciliationRecords(t *testing.T) {
	r, m := setupRouter()

	m.reconcile.On("ListRecords", mock.Anything,
		mock.MatchedBy(func(st *model.ReconciliationStatus) bool {
			return st != nil && *st == model.ReconciliationStatusDiscrepancy
		}),
		mock.Anything,
	).Run(func(args mock.Arguments) {
		args.Get(2).(*repository.Pagination).Total = 1
	}).Return([]*model.ReconciliationRecord{{ID: 7, Dropped: 1, Status: model.ReconciliationStatusDiscrepancy}}, nil)

	w, env := do(t, r, http.MethodGet, "/admin/reconciliation-records?status=discrepancy", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items []*model.ReconciliationRecord `json:"items"`
		Total int64                         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(7), page.Items[0].ID)

	w, _ = do(t, r, http.MethodGet, "/admin/reconciliation-records?status=weird", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveRecord(t *testing.T) {
	r, m := setupRouter()

	m.reconcile.On("ResolveRecord", mock.Anything, int64(7), model.ReconciliationStatusResolved, "refunded", "ops-1").
		Return(&model.ReconciliationRecord{ID: 7, Status: model.ReconciliationStatusResolved, ResolvedBy: "ops-1"}, nil)
	m.reconcile.On("ResolveRecord", mock.Anything, int64(8), model.ReconciliationStatusIgnored, "", "ops-1").
		Return(nil, apperrors.ErrNotFound.WithDetail("record_id", "8"))

	w, env := do(t, r, http.MethodPost, "/admin/reconciliation-records/7/resolve",
		map[string]string{"status": "resolved", "resolution": "refunded", "resolved_by": "ops-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.ReconciliationRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, model.ReconciliationStatusResolved, rec.Status)

	w, _ = do(t, r, http.MethodPost, "/admin/reconciliation-records/8/resolve",
		map[string]string{"status": "ignored", "resolved_by": "ops-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, http.MethodPost, "/admin/reconciliation-records/abc/resolve",
		map[string]string{"status": "resolved", "resolved_by": "ops-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/admin/reconciliation-records/7/resolve",
		map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
