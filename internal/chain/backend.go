// Package chain talks to the escrow and token contracts and verifies what the
// chain says actually happened.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrReceiptTimeout  = errors.New("timed out waiting for receipt")
)

// Network pins the contracts and chain a deployment settles against.
type Network struct {
	ChainID  *big.Int
	Escrow   common.Address
	Token    common.Address
	Decimals int32
}

// TournamentRule selects the escrow's tournament payout adjustment.
// The two modes are mutually exclusive.
type TournamentRule struct {
	MultiplierMode bool
	DoubleMode     bool
}

// Backend is the subset of chain access the engine depends on.
// Send methods take an explicit gas price; nil means node default pricing.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionParties(ctx context.Context, hash common.Hash) (from, to common.Address, err error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	TotalCollected(ctx context.Context, gameID *big.Int) (*big.Int, error)
	TournamentPayouts(ctx context.Context, gameID *big.Int, recipients []common.Address, base []*big.Int, rule TournamentRule) ([]*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)

	Refund(ctx context.Context, gasPrice *big.Int, gameID *big.Int, player common.Address) (common.Hash, error)
	SettleGame(ctx context.Context, gasPrice *big.Int, gameID *big.Int, recipients []common.Address, amounts []*big.Int) (common.Hash, error)
	TransferToken(ctx context.Context, gasPrice *big.Int, to common.Address, amount *big.Int) (common.Hash, error)

	PayoutWallet() common.Address
}

// ParseGameID parses the on-chain game identifier, a base-10 uint256.
func ParseGameID(s string) (*big.Int, bool) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, false
	}
	return id, true
}
