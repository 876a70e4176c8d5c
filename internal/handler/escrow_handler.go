package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

// EscrowAPI is the escrow decision surface. *service.EscrowService
// implements it.
type EscrowAPI interface {
	CreateEscrow(ctx context.Context, req *model.EscrowRequest) (*model.Escrow, error)
	GetEscrow(ctx context.Context, id, teacherID string) (*model.Escrow, error)
	ListTeacherEscrows(ctx context.Context, teacherID string, status *model.EscrowStatus, page *repository.Pagination) ([]*model.Escrow, error)
	Accept(ctx context.Context, id, teacherID, payoutWallet string) (*model.Escrow, error)
	Reject(ctx context.Context, id, teacherID, notes string) (*model.Escrow, error)
	SweepExpired(ctx context.Context) (int, error)
	Statistics(ctx context.Context, teacherID string) (*model.EscrowStats, error)
}

type EscrowHandler struct {
	escrows EscrowAPI
}

func NewEscrowHandler(escrows EscrowAPI) *EscrowHandler {
	return &EscrowHandler{escrows: escrows}
}

// CreateEscrow opens a pending discount escrow.
// POST /api/v1/escrows
func (h *EscrowHandler) CreateEscrow(c *gin.Context) {
	var req model.EscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	escrow, err := h.escrows.CreateEscrow(c.Request.Context(), &req)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, escrow)
}

// ListEscrows lists a teacher's escrows, optionally by status.
// GET /api/v1/teachers/:teacher_id/escrows?status=pending
func (h *EscrowHandler) ListEscrows(c *gin.Context) {
	var status *model.EscrowStatus
	if raw := c.Query("status"); raw != "" {
		st, ok := model.ParseEscrowStatus(raw)
		if !ok {
			Error(c, apperrors.ErrInvalidParam.WithDetail("status", raw), nil)
			return
		}
		status = &st
	}

	page := pagination(c)
	escrows, err := h.escrows.ListTeacherEscrows(c.Request.Context(), c.Param("teacher_id"), status, page)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, &PagedData{Items: escrows, Total: page.Total, Page: page.Page, PageSize: page.PageSize})
}

// GetEscrow GET /api/v1/teachers/:teacher_id/escrows/:escrow_id
func (h *EscrowHandler) GetEscrow(c *gin.Context) {
	escrow, err := h.escrows.GetEscrow(c.Request.Context(), c.Param("escrow_id"), c.Param("teacher_id"))
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, escrow)
}

type AcceptRequest struct {
	PayoutWallet string `json:"payout_wallet"`
}

// Accept takes the TEO in exchange for the reduced commission.
// POST /api/v1/teachers/:teacher_id/escrows/:escrow_id/accept
func (h *EscrowHandler) Accept(c *gin.Context) {
	var req AcceptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, err.Error())
			return
		}
	}
	escrow, err := h.escrows.Accept(c.Request.Context(), c.Param("escrow_id"), c.Param("teacher_id"), req.PayoutWallet)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, escrow)
}

type RejectRequest struct {
	Notes string `json:"notes"`
}

// Reject keeps the standard commission; the TEO stays with the platform.
// POST /api/v1/teachers/:teacher_id/escrows/:escrow_id/reject
func (h *EscrowHandler) Reject(c *gin.Context) {
	var req RejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, err.Error())
			return
		}
	}
	escrow, err := h.escrows.Reject(c.Request.Context(), c.Param("escrow_id"), c.Param("teacher_id"), req.Notes)
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, escrow)
}

// Statistics GET /api/v1/teachers/:teacher_id/escrow-stats
func (h *EscrowHandler) Statistics(c *gin.Context) {
	stats, err := h.escrows.Statistics(c.Request.Context(), c.Param("teacher_id"))
	if err != nil {
		Error(c, err, nil)
		return
	}
	Success(c, stats)
}

// Sweep expires overdue escrows now instead of waiting for the scheduler.
// POST /admin/escrows/sweep
func (h *EscrowHandler) Sweep(c *gin.Context) {
	n, err := h.escrows.SweepExpired(c.Request.Context())
	if err != nil {
		Error(c, err, gin.H{"expired": n})
		return
	}
	Success(c, gin.H{"expired": n})
}
