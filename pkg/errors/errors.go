package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a coded business error. Two errors are equal under errors.Is
// when their codes match, so sentinels below can be wrapped freely.
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	RetrySafe  bool              `json:"retry_safe"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy carrying the merged details.
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy returns a deep copy of e.
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		RetrySafe:  e.RetrySafe,
		Cause:      e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON includes the rendered error string.
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// New creates an internal error with the given code.
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		GRPCCode:   codes.Internal,
	}
}

// NewWithStatus creates an error with explicit transport codes.
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code, retrySafe bool) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
		RetrySafe:  retrySafe,
	}
}

// Wrap returns a copy of err with cause attached.
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf returns a copy of err with a formatted suffix on the message.
func Wrapf(err *Error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	return newErr
}

// FromError converts any error into an *Error, falling back to ErrInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// Generic codes.
var (
	ErrInternal       = NewWithStatus("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, codes.Internal, false)
	ErrInvalidParam   = NewWithStatus("INVALID_PARAM", "invalid parameter", http.StatusBadRequest, codes.InvalidArgument, true)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "resource not found", http.StatusNotFound, codes.NotFound, true)
	ErrDuplicateKey   = NewWithStatus("DUPLICATE_KEY", "idempotency key reused with different content", http.StatusConflict, codes.AlreadyExists, false)
	ErrInvalidAddress = NewWithStatus("INVALID_ADDRESS", "invalid address", http.StatusBadRequest, codes.InvalidArgument, true)
)

// Chain and settlement codes.
var (
	ErrChainUnavailable    = NewWithStatus("CHAIN_UNAVAILABLE", "chain rpc unavailable", http.StatusServiceUnavailable, codes.Unavailable, true)
	ErrInsufficientFunds   = NewWithStatus("INSUFFICIENT_FUNDS", "insufficient funds", http.StatusUnprocessableEntity, codes.FailedPrecondition, true)
	ErrSubmissionRejected  = NewWithStatus("SUBMISSION_REJECTED", "transaction rejected by node", http.StatusBadGateway, codes.Aborted, false)
	ErrConfirmationTimeout = NewWithStatus("CONFIRMATION_TIMEOUT", "transaction not confirmed in time", http.StatusAccepted, codes.DeadlineExceeded, false)
	ErrPartialSettlement   = NewWithStatus("PARTIAL_SETTLEMENT", "split payment partially settled", http.StatusConflict, codes.DataLoss, false)
	ErrSettlementFailed    = NewWithStatus("SETTLEMENT_FAILED", "settlement failed", http.StatusBadGateway, codes.Aborted, false)
	ErrVerificationFailed  = NewWithStatus("VERIFICATION_FAILED", "payment transaction does not match purchase", http.StatusUnprocessableEntity, codes.FailedPrecondition, true)
	ErrPaymentNotFound     = NewWithStatus("PAYMENT_NOT_FOUND", "split payment not found", http.StatusNotFound, codes.NotFound, true)
	ErrInvalidCommission   = NewWithStatus("INVALID_COMMISSION_RATE", "commission rate must be within [0,1]", http.StatusBadRequest, codes.InvalidArgument, true)
	ErrInvalidAmount       = NewWithStatus("INVALID_AMOUNT", "amount must be positive", http.StatusBadRequest, codes.InvalidArgument, true)
	ErrSettlementBusy      = NewWithStatus("SETTLEMENT_BUSY", "settlement for this purchase in progress", http.StatusConflict, codes.Aborted, true)
)

// Escrow guard codes.
var (
	ErrEscrowNotFound       = NewWithStatus("ESCROW_NOT_FOUND", "escrow not found", http.StatusNotFound, codes.NotFound, true)
	ErrEscrowAlreadyDecided = NewWithStatus("ESCROW_ALREADY_DECIDED", "escrow already decided", http.StatusConflict, codes.FailedPrecondition, true)
	ErrEscrowExpired        = NewWithStatus("ESCROW_EXPIRED", "escrow expired", http.StatusGone, codes.FailedPrecondition, true)
	ErrMissingWallet        = NewWithStatus("MISSING_WALLET", "teacher payout wallet not configured", http.StatusUnprocessableEntity, codes.FailedPrecondition, true)
	ErrEscrowBusy           = NewWithStatus("ESCROW_BUSY", "escrow decision in progress", http.StatusConflict, codes.Aborted, true)
)

// ToGRPCError converts err into a gRPC status error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus returns the HTTP status for err.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries target's code.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode returns the code of err, or UNKNOWN for plain errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsRetrySafe reports whether the caller may retry the whole operation
// without risking a duplicate on-chain effect.
func IsRetrySafe(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.RetrySafe
	}
	return false
}

// IsRetryable reports whether err is a transient transport condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		switch bizErr.GRPCCode {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
