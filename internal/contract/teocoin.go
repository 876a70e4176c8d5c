// Package contract provides smart contract related utilities.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/teocoin/teocoin-chain/internal/cache"
)

// Token errors
var (
	ErrNoCaller          = errors.New("no contract caller configured")
	ErrNotTransferCall   = errors.New("calldata is not a TeoCoin transfer")
	ErrUnexpectedDecimal = errors.New("token decimals do not match 18")
)

// TeoCoinABI is the subset of the TeoCoin ERC-20 interface the platform uses.
const TeoCoinABI = `[
	{"type":"function","name":"name","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
	{"type":"function","name":"symbol","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
	{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
	{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"mintTo","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

func teoCoinABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(TeoCoinABI))
	})
	return parsedABI, abiErr
}

// TokenInfo is the static metadata of the token.
type TokenInfo struct {
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Address  common.Address `json:"address"`
}

// Transfer is a decoded ERC-20 Transfer event or transfer call.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// TeoCoinConfig is the configuration for the TeoCoin binding.
type TeoCoinConfig struct {
	Address common.Address
	// InfoTTL bounds how stale cached name/symbol/decimals may be.
	InfoTTL time.Duration
}

// TeoCoin packs calls to and decodes data from the TeoCoin contract.
type TeoCoin struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
	cache   cache.Cache
	infoTTL time.Duration
}

// NewTeoCoin creates the binding. caller and c may be nil when only
// packing and decoding are needed.
func NewTeoCoin(cfg *TeoCoinConfig, caller bind.ContractCaller, c cache.Cache) (*TeoCoin, error) {
	parsed, err := teoCoinABI()
	if err != nil {
		return nil, err
	}

	infoTTL := cfg.InfoTTL
	if infoTTL == 0 {
		infoTTL = time.Hour
	}

	return &TeoCoin{
		address: cfg.Address,
		abi:     parsed,
		caller:  caller,
		cache:   c,
		infoTTL: infoTTL,
	}, nil
}

// Address returns the contract address.
func (t *TeoCoin) Address() common.Address {
	return t.address
}

// PackTransfer encodes transfer(to, amount).
func (t *TeoCoin) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return t.abi.Pack("transfer", to, amount)
}

// PackTransferFrom encodes transferFrom(from, to, amount).
func (t *TeoCoin) PackTransferFrom(from, to common.Address, amount *big.Int) ([]byte, error) {
	return t.abi.Pack("transferFrom", from, to, amount)
}

// PackApprove encodes approve(spender, amount).
func (t *TeoCoin) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return t.abi.Pack("approve", spender, amount)
}

// DecodeTransferCall decodes transfer or transferFrom calldata. For a plain
// transfer the From field is sender.
func (t *TeoCoin) DecodeTransferCall(sender common.Address, data []byte) (string, *Transfer, error) {
	if len(data) < 4 {
		return "", nil, ErrNotTransferCall
	}
	method, err := t.abi.MethodById(data[:4])
	if err != nil {
		return "", nil, ErrNotTransferCall
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}

	switch method.Name {
	case "transfer":
		return method.Name, &Transfer{From: sender, To: args[0].(common.Address), Amount: args[1].(*big.Int)}, nil
	case "transferFrom":
		return method.Name, &Transfer{From: args[0].(common.Address), To: args[1].(common.Address), Amount: args[2].(*big.Int)}, nil
	default:
		return method.Name, nil, ErrNotTransferCall
	}
}

// TransferLog builds the log the contract emits for a transfer.
func (t *TeoCoin) TransferLog(tr *Transfer) (*types.Log, error) {
	ev := t.abi.Events["Transfer"]
	data, err := ev.Inputs.NonIndexed().Pack(tr.Amount)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: t.address,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(tr.From.Bytes()),
			common.BytesToHash(tr.To.Bytes()),
		},
		Data: data,
	}, nil
}

// ParseTransfers returns every TeoCoin Transfer event in logs. Logs from
// other contracts are skipped.
func (t *TeoCoin) ParseTransfers(logs []*types.Log) []*Transfer {
	ev := t.abi.Events["Transfer"]
	var out []*Transfer
	for _, l := range logs {
		if l == nil || l.Address != t.address || len(l.Topics) != 3 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		out = append(out, &Transfer{
			From:   common.BytesToAddress(l.Topics[1].Bytes()),
			To:     common.BytesToAddress(l.Topics[2].Bytes()),
			Amount: vals[0].(*big.Int),
		})
	}
	return out
}

// BalanceOf queries the token balance of account.
func (t *TeoCoin) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := t.call(ctx, &balance, "balanceOf", account); err != nil {
		return nil, err
	}
	return balance, nil
}

// Allowance queries how much spender may move on behalf of owner.
func (t *TeoCoin) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	if err := t.call(ctx, &allowance, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return allowance, nil
}

// Info returns token metadata, served from the cache within InfoTTL.
func (t *TeoCoin) Info(ctx context.Context) (*TokenInfo, error) {
	key := "token:info:" + strings.ToLower(t.address.Hex())
	return cache.GetOrLoad(ctx, t.cache, key, t.infoTTL, t.queryInfo)
}

// VerifyDecimals fails unless the deployed token uses 18 decimals.
func (t *TeoCoin) VerifyDecimals(ctx context.Context) error {
	info, err := t.Info(ctx)
	if err != nil {
		return err
	}
	if info.Decimals != 18 {
		return fmt.Errorf("%w: got %d", ErrUnexpectedDecimal, info.Decimals)
	}
	return nil
}

func (t *TeoCoin) queryInfo(ctx context.Context) (*TokenInfo, error) {
	info := &TokenInfo{Address: t.address}
	if err := t.call(ctx, &info.Name, "name"); err != nil {
		return nil, err
	}
	if err := t.call(ctx, &info.Symbol, "symbol"); err != nil {
		return nil, err
	}
	if err := t.call(ctx, &info.Decimals, "decimals"); err != nil {
		return nil, err
	}
	return info, nil
}

func (t *TeoCoin) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	if t.caller == nil {
		return ErrNoCaller
	}

	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return err
	}

	msg := ethereum.CallMsg{
		To:   &t.address,
		Data: data,
	}
	result, err := t.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return err
	}

	return t.abi.UnpackIntoInterface(out, method, result)
}
