package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIs_MatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("leg 2: %w", ErrPartialSettlement.WithDetail("leg", "commission"))

	assert.True(t, Is(wrapped, ErrPartialSettlement))
	assert.False(t, Is(wrapped, ErrSettlementFailed))
	assert.False(t, Is(nil, ErrPartialSettlement))
}

func TestWithDetail_DoesNotMutateSentinel(t *testing.T) {
	e := ErrInsufficientFunds.WithDetail("kind", "gas")

	assert.Equal(t, "gas", e.Details["kind"])
	assert.Nil(t, ErrInsufficientFunds.Details)
}

func TestToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"expired", ErrEscrowExpired, http.StatusGone},
		{"wrapped", fmt.Errorf("x: %w", ErrChainUnavailable), http.StatusServiceUnavailable},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToHTTPStatus(tt.err))
		})
	}
}

func TestIsRetrySafe(t *testing.T) {
	assert.True(t, IsRetrySafe(ErrInsufficientFunds))
	assert.True(t, IsRetrySafe(ErrEscrowAlreadyDecided))
	assert.False(t, IsRetrySafe(ErrPartialSettlement))
	assert.False(t, IsRetrySafe(ErrConfirmationTimeout))
	assert.False(t, IsRetrySafe(fmt.Errorf("plain")))
}

func TestToGRPCError(t *testing.T) {
	st, ok := status.FromError(ToGRPCError(ErrEscrowNotFound))
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Nil(t, ToGRPCError(nil))
}

func TestFromError(t *testing.T) {
	e := FromError(fmt.Errorf("db down"))
	assert.Equal(t, ErrInternal.Code, e.Code)
	assert.Equal(t, "INVALID_PARAM", FromError(ErrInvalidParam).Code)
	assert.Nil(t, FromError(nil))
}
