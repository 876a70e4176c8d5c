// Package handler exposes settlement and escrow operations over HTTP.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/repository"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RetrySafe *bool             `json:"retry_safe,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// PagedData wraps a page of items.
type PagedData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: "OK", Message: "success", Data: data, TraceID: GetTraceID(c)})
}

// Error renders err with its HTTP status and retry_safe flag. data, when
// non-nil, carries the partial state the caller needs to resume.
func Error(c *gin.Context, err error, data interface{}) {
	bizErr := apperrors.FromError(err)
	status := apperrors.ToHTTPStatus(err)
	retrySafe := apperrors.IsRetrySafe(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", GetTraceID(c)),
			zap.Error(err))
	}

	c.JSON(status, &Response{
		Code:      bizErr.Code,
		Message:   err.Error(),
		RetrySafe: &retrySafe,
		Details:   bizErr.Details,
		Data:      data,
		TraceID:   GetTraceID(c),
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, apperrors.ErrInvalidParam.WithMessage(message), nil)
}

func GetTraceID(c *gin.Context) string {
	traceID, _ := c.Get(TraceIDKey)
	if t, ok := traceID.(string); ok {
		return t
	}
	return ""
}

// pagination reads page and page_size, defaulting to 1 and 20.
func pagination(c *gin.Context) *repository.Pagination {
	page := &repository.Pagination{Page: 1, PageSize: 20}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page.Page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 100 {
		page.PageSize = ps
	}
	return page
}
