package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

type MockEscrowAPI struct{ mock.Mock }

func (m *MockEscrowAPI) CreateEscrow(ctx context.Context, req *model.EscrowRequest) (*model.Escrow, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Escrow), args.Error(1)
}

func (m *MockEscrowAPI) GetEscrow(ctx context.Context, id, teacherID string) (*model.Escrow, error) {
	args := m.Called(ctx, id, teacherID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Escrow), args.Error(1)
}

func (m *MockEscrowAPI) ListTeacherEscrows(ctx context.Context, teacherID string, status *model.EscrowStatus, page *repository.Pagination) ([]*model.Escrow, error) {
	args := m.Called(ctx, teacherID, status, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Escrow), args.Error(1)
}

func (m *MockEscrowAPI) Accept(ctx context.Context, id, teacherID, payoutWallet string) (*model.Escrow, error) {
	args := m.Called(ctx, id, teacherID, payoutWallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Escrow), args.Error(1)
}

func (m *MockEscrowAPI) Reject(ctx context.Context, id, teacherID, notes string) (*model.Escrow, error) {
	args := m.Called(ctx, id, teacherID, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Escrow), args.Error(1)
}

func (m *MockEscrowAPI) SweepExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockEscrowAPI) Statistics(ctx context.Context, teacherID string) (*model.EscrowStats, error) {
	args := m.Called(ctx, teacherID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EscrowStats), args.Error(1)
}

func TestCreateEscrow(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("CreateEscrow", mock.Anything, mock.MatchedBy(func(req *model.EscrowRequest) bool {
		return req.TeacherID == "teacher-1" &&
			req.TeocoinAmount.Equal(decimal.NewFromInt(1500)) &&
			req.DiscountPercentage.Equal(decimal.NewFromInt(15))
	})).Return(&model.Escrow{
		ID:                 "escrow-1",
		TeacherID:          "teacher-1",
		Status:             model.EscrowStatusPending,
		DiscountEuroAmount: decimal.NewFromInt(15),
	}, nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/escrows", map[string]interface{}{
		"student_id":          "student-1",
		"teacher_id":          "teacher-1",
		"course_id":           "course-1",
		"teocoin_amount":      "1500",
		"discount_percentage": "15",
		"original_price":      "100",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var e model.Escrow
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "escrow-1", e.ID)
	assert.True(t, e.DiscountEuroAmount.Equal(decimal.NewFromInt(15)))
}

func TestListEscrows(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("ListTeacherEscrows", mock.Anything, "teacher-1",
		mock.MatchedBy(func(st *model.EscrowStatus) bool { return st != nil && *st == model.EscrowStatusPending }),
		mock.MatchedBy(func(p *repository.Pagination) bool { return p.Page == 2 && p.PageSize == 10 }),
	).Run(func(args mock.Arguments) {
		args.Get(3).(*repository.Pagination).Total = 11
	}).Return([]*model.Escrow{{ID: "escrow-11"}}, nil)

	w, env := do(t, r, http.MethodGet, "/api/v1/teachers/teacher-1/escrows?status=pending&page=2&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items []*model.Escrow `json:"items"`
		Total int64           `json:"total"`
		Page  int             `json:"page"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(11), page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 1)

	w, _ = do(t, r, http.MethodGet, "/api/v1/teachers/teacher-1/escrows?status=refunded", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEscrow_OtherTeacherIsNotFound(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("GetEscrow", mock.Anything, "escrow-1", "teacher-2").
		Return(nil, apperrors.ErrEscrowNotFound.WithDetail("escrow_id", "escrow-1"))

	w, env := do(t, r, http.MethodGet, "/api/v1/teachers/teacher-2/escrows/escrow-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrEscrowNotFound.Code, env.Code)
}

func TestAcceptEscrow(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("Accept", mock.Anything, "escrow-1", "teacher-1", teacher).
		Return(&model.Escrow{ID: "escrow-1", Status: model.EscrowStatusAccepted, ReleaseTxHash: "0xcc"}, nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/teachers/teacher-1/escrows/escrow-1/accept",
		map[string]string{"payout_wallet": teacher})
	require.Equal(t, http.StatusOK, w.Code)

	var e model.Escrow
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, model.EscrowStatusAccepted, e.Status)
	assert.Equal(t, "0xcc", e.ReleaseTxHash)
}

func TestAcceptEscrow_NoBody(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("Accept", mock.Anything, "escrow-1", "teacher-1", "").
		Return(nil, apperrors.ErrMissingWallet.WithDetail("teacher_id", "teacher-1"))

	w, env := do(t, r, http.MethodPost, "/api/v1/teachers/teacher-1/escrows/escrow-1/accept", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperrors.ErrMissingWallet.Code, env.Code)
	assert.True(t, *env.RetrySafe)
}

func TestDecisionGuards(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"already decided", apperrors.ErrEscrowAlreadyDecided, http.StatusConflict},
		{"expired", apperrors.ErrEscrowExpired, http.StatusGone},
		{"busy", apperrors.ErrEscrowBusy, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m := setupRouter()
			m.escrows.On("Reject", mock.Anything, "escrow-1", "teacher-1", "not this time").Return(nil, tt.err)

			w, env := do(t, r, http.MethodPost, "/api/v1/teachers/teacher-1/escrows/escrow-1/reject",
				map[string]string{"notes": "not this time"})
			assert.Equal(t, tt.status, w.Code)
			assert.True(t, *env.RetrySafe)
		})
	}
}

func TestEscrowStatistics(t *testing.T) {
	r, m := setupRouter()

	m.escrows.On("Statistics", mock.Anything, "teacher-1").Return(&model.EscrowStats{
		Total:          3,
		Accepted:       1,
		AcceptanceRate: decimal.RequireFromString("33.33"),
	}, nil)

	w, env := do(t, r, http.MethodGet, "/api/v1/teachers/teacher-1/escrow-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats model.EscrowStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.True(t, stats.AcceptanceRate.Equal(decimal.RequireFromString("33.33")))
}

func TestSweep(t *testing.T) {
	r, m := setupRouter()
	m.escrows.On("SweepExpired", mock.Anything).Return(4, nil)

	w, env := do(t, r, http.MethodPost, "/admin/escrows/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":4}`, string(env.Data))
}
