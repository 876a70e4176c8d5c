package model

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale of TEO and of the native gas token.
const TokenDecimals = 18

var (
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrAmountTooPrecise = errors.New("amount has more than 18 fractional digits")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidTxHash    = errors.New("invalid transaction hash")
)

// ToWei converts a human-readable token amount to its on-chain integer form.
// The conversion is exact; amounts that would need rounding are rejected.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := amount.Shift(TokenDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrAmountTooPrecise
	}
	return shifted.BigInt(), nil
}

// MustToWei is ToWei for amounts already validated by the caller.
func MustToWei(amount decimal.Decimal) *big.Int {
	wei, err := ToWei(amount)
	if err != nil {
		panic(err)
	}
	return wei
}

// FromWei converts an on-chain integer amount back to token units.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -TokenDecimals)
}

// NormalizeAddress validates a hex address and returns its EIP-55 checksum form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(addr).Hex(), nil
}

// NormalizeTxHash returns the lowercase 0x-prefixed form of a 32-byte hash.
func NormalizeTxHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	h = strings.TrimPrefix(h, "0x")
	if len(h) != 64 {
		return "", ErrInvalidTxHash
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidTxHash
		}
	}
	return "0x" + h, nil
}
