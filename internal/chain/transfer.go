package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is topic0 of the ERC-20 Transfer event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ExpectedTransfer is a token movement a receipt must prove.
type ExpectedTransfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

func (e ExpectedTransfer) String() string {
	return fmt.Sprintf("%s %s->%s %s", e.Token.Hex(), e.From.Hex(), e.To.Hex(), e.Value)
}

// DecodeTransfer decodes l if it is a standard three-topic Transfer event.
func DecodeTransfer(l *types.Log) (Transfer, bool) {
	if l == nil || len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 {
		return Transfer{}, false
	}
	return Transfer{
		Token: l.Address,
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(l.Data),
	}, true
}

// Transfers returns every Transfer emitted by token in the receipt.
func Transfers(r *types.Receipt, token common.Address) []Transfer {
	if r == nil {
		return nil
	}
	var out []Transfer
	for _, l := range r.Logs {
		if l.Address != token {
			continue
		}
		if t, ok := DecodeTransfer(l); ok {
			out = append(out, t)
		}
	}
	return out
}

// MatchTransfer reports whether the receipt carries a Transfer exactly
// matching token, sender, recipient and value.
func MatchTransfer(r *types.Receipt, exp ExpectedTransfer) bool {
	for _, t := range Transfers(r, exp.Token) {
		if t.From == exp.From && t.To == exp.To && t.Value.Cmp(exp.Value) == 0 {
			return true
		}
	}
	return false
}

// VerifyTransfers checks that every expectation is satisfied by a distinct
// log. A successful status is required but never sufficient on its own.
func VerifyTransfers(r *types.Receipt, exps []ExpectedTransfer) error {
	if r == nil {
		return fmt.Errorf("no receipt")
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("receipt status %d", r.Status)
	}
	used := make(map[int]bool)
	for _, exp := range exps {
		found := false
		for i, l := range r.Logs {
			if used[i] || l.Address != exp.Token {
				continue
			}
			t, ok := DecodeTransfer(l)
			if !ok {
				continue
			}
			if t.From == exp.From && t.To == exp.To && t.Value.Cmp(exp.Value) == 0 {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no Transfer log matching %s", exp)
		}
	}
	return nil
}
