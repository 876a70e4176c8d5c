package blockchain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
)

var (
	ErrNoHealthyRPC      = errors.New("no healthy RPC endpoint available")
	ErrReceiptNotFound   = errors.New("receipt not found")
	ErrNoSigningKey      = errors.New("private key not configured")
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// RejectReason classifies a node's refusal of a transaction.
type RejectReason string

const (
	RejectUnderpriced       RejectReason = "underpriced"
	RejectNonceTooLow       RejectReason = "nonce_too_low"
	RejectNonceTooHigh      RejectReason = "nonce_too_high"
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	RejectGasLimit          RejectReason = "gas_limit"
	RejectOther             RejectReason = "other"
)

// SubmissionRejectedError is returned when the node refuses a transaction
// before accepting it into the mempool.
type SubmissionRejectedError struct {
	Reason  RejectReason
	Message string
}

func (e *SubmissionRejectedError) Error() string {
	return "submission rejected (" + string(e.Reason) + "): " + e.Message
}

// Unwrap lets errors.Is match apperrors.ErrSubmissionRejected.
func (e *SubmissionRejectedError) Unwrap() error {
	return apperrors.ErrSubmissionRejected
}

// Retryable reports whether resubmitting with a new price or nonce can help.
func (e *SubmissionRejectedError) Retryable() bool {
	return e.Reason == RejectUnderpriced || e.Reason == RejectNonceTooLow
}

// classifyRejection maps a node error message onto a reason.
func classifyRejection(err error) *SubmissionRejectedError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	reason := RejectOther
	switch {
	case strings.Contains(lower, "underpriced"),
		strings.Contains(lower, "fee too low"),
		strings.Contains(lower, "gas price too low"):
		reason = RejectUnderpriced
	case strings.Contains(lower, "nonce too low"):
		reason = RejectNonceTooLow
	case strings.Contains(lower, "nonce too high"):
		reason = RejectNonceTooHigh
	case strings.Contains(lower, "insufficient funds"):
		reason = RejectInsufficientFunds
	case strings.Contains(lower, "intrinsic gas too low"),
		strings.Contains(lower, "exceeds block gas limit"):
		reason = RejectGasLimit
	}
	return &SubmissionRejectedError{Reason: reason, Message: msg}
}

// isAlreadyKnown reports the node already holds this exact transaction,
// which happens when a broadcast is retried after a dropped response.
func isAlreadyKnown(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "already known") || strings.Contains(lower, "known transaction")
}

// isNodeError reports whether err is a JSON-RPC error response, as opposed
// to a transport failure. Node errors are answers and are never retried
// against another endpoint.
func isNodeError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var dataErr rpc.DataError
	return errors.As(err, &dataErr)
}

// isRevert reports whether a read call reverted in the EVM.
func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func chainUnavailable(cause error) error {
	return apperrors.Wrap(apperrors.ErrChainUnavailable, cause)
}
