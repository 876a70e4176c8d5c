package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	"github.com/teocoin/teocoin-chain/internal/service"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

// PaymentAPI is the settlement surface. *service.PaymentService implements it.
type PaymentAPI interface {
	SettlePurchase(ctx context.Context, req *service.SettleRequest) (*model.SplitPayment, error)
	GetPayment(ctx context.Context, purchaseID string) (*model.SplitPayment, error)
	Preflight(ctx context.Context, student, teacher string, amount decimal.Decimal, mode model.PaymentMode) (*model.PrereqResult, error)
}

// TreasuryAPI reports the hot wallet's gas position.
type TreasuryAPI interface {
	GasTreasuryStatus(ctx context.Context) (*model.GasTreasuryStatus, error)
}

// ReconcileAPI runs operator-triggered ledger reconciliation.
type ReconcileAPI interface {
	TriggerReconciliation(ctx context.Context, limit int) string
	GetTaskStatus(taskID string) (*service.ReconciliationTask, bool)
	ListRecords(ctx context.Context, status *model.ReconciliationStatus, page *repository.Pagination) ([]*model.ReconciliationRecord, error)
	ResolveRecord(ctx context.Context, id int64, status model.ReconciliationStatus, resolution, resolvedBy string) (*model.ReconciliationRecord, error)
}

// ChainHandler serves purchases, treasury status and reconciliation.
type ChainHandler struct {
	payments  PaymentAPI
	treasury  TreasuryAPI
	reconcile ReconcileAPI
	rates     service.CommissionRateProvider
}

func NewChainHandler(payments PaymentAPI, treasury TreasuryAPI, reconcile ReconcileAPI, rates service.CommissionRateProvider) *ChainHandler {
	return &ChainHandler{payments: payments, treasury: treasury, reconcile: reconcile, rates: rates}
}

// SettlePurchase settles a purchase synchronously.
// POST /api/v1/purchases
//
// The reply carries the SplitPayment even on failure so the caller can see
// which leg landed. A confirmation timeout answers 202: the legs are on the
// wire and the same request resumes them.
func (h *ChainHandler) SettlePurchase(c *gin.Context) {
	var body model.PurchaseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if body.PurchaseID == "" {
		BadRequest(c, "purchase_id is required")
		return
	}

	req, err := service.NewSettleRequest(c.Request.Context(), &body, h.rates)
	if err != nil {
		Error(c, err, nil)
		return
	}

	payment, err := h.payments.SettlePurchase(c.Request.Context(), req)
	if err != nil {
		Error(c, err, paymentData(payment))
		return
	}
	Success(c, payment)
}

// paymentData keeps a typed nil out of the response envelope.
func paymentData(p *model.SplitPayment) interface{} {
	if p == nil {
		return nil
	}
	return p
}

// GetPayment returns the recorded outcome of a purchase.
// GET /api/v1/purchases/:purchase_id
func (h *ChainHandler) GetPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("purchase_id"))
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, payment)
}

// PreflightRequest asks whether a purchase could be paid right now.
type PreflightRequest struct {
	StudentAddress string          `json:"student_address" binding:"required"`
	TeacherAddress string          `json:"teacher_address" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Mode           string          `json:"mode"`
}

// Preflight runs the balance, allowance and gas checks without settling.
// POST /api/v1/purchases/preflight
func (h *ChainHandler) Preflight(c *gin.Context) {
	var req PreflightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	mode := model.PaymentModeSponsored
	if req.Mode != "" {
		m, ok := model.ParsePaymentMode(req.Mode)
		if !ok {
			Error(c, apperrors.ErrInvalidParam.WithDetail("mode", req.Mode), nil)
			return
		}
		mode = m
	}

	res, err := h.payments.Preflight(c.Request.Context(), req.StudentAddress, req.TeacherAddress, req.Amount, mode)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, res)
}

// GasTreasury reports the hot wallet balance and sponsoring capacity.
// GET /api/v1/treasury
func (h *ChainHandler) GasTreasury(c *gin.Context) {
	status, err := h.treasury.GasTreasuryStatus(c.Request.Context())
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, status)
}

// TriggerReconciliation starts a background pass over pending ledger entries.
// POST /admin/reconcile?limit=100
func (h *ChainHandler) TriggerReconciliation(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	taskID := h.reconcile.TriggerReconciliation(c.Request.Context(), limit)
	Success(c, gin.H{"task_id": taskID})
}

// ReconciliationStatus returns a triggered pass.
// GET /admin/reconcile/:task_id
func (h *ChainHandler) ReconciliationStatus(c *gin.Context) {
	task, ok := h.reconcile.GetTaskStatus(c.Param("task_id"))
	if !ok {
		Error(c, apperrors.ErrNotFound.WithDetail("task_id", c.Param("task_id")), nil)
		return
	}
	Success(c, task)
}

// ReconciliationRecords pages through past passes.
// GET /admin/reconciliation-records?status=discrepancy
func (h *ChainHandler) ReconciliationRecords(c *gin.Context) {
	var status *model.ReconciliationStatus
	if raw := c.Query("status"); raw != "" {
		st, ok := model.ParseReconciliationStatus(raw)
		if !ok {
			Error(c, apperrors.ErrInvalidParam.WithDetail("status", raw), nil)
			return
		}
		status = &st
	}

	page := pagination(c)
	records, err := h.reconcile.ListRecords(c.Request.Context(), status, page)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, &PagedData{Items: records, Total: page.Total, Page: page.Page, PageSize: page.PageSize})
}

type ResolveRecordRequest struct {
	Status     string `json:"status" binding:"required"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

// ResolveRecord closes a discrepancy.
// POST /admin/reconciliation-records/:id/resolve
func (h *ChainHandler) ResolveRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, apperrors.ErrInvalidParam.WithDetail("id", c.Param("id")), nil)
		return
	}
	var req ResolveRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	status, ok := model.ParseReconciliationStatus(req.Status)
	if !ok {
		Error(c, apperrors.ErrInvalidParam.WithDetail("status", req.Status), nil)
		return
	}

	record, err := h.reconcile.ResolveRecord(c.Request.Context(), id, status, req.Resolution, req.ResolvedBy)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, record)
}
