package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

// PaymentClaim is what a participant says they paid.
type PaymentClaim struct {
	TxHash   string
	Escrow   common.Address
	Token    common.Address
	Decimals int32
	Amount   decimal.Decimal
	ChainID  *big.Int
}

// PaymentProof is the verified result. Payer comes from the Transfer log,
// never from the transaction envelope.
type PaymentProof struct {
	TxHash common.Hash
	Payer  common.Address
	Value  *big.Int
}

// PaymentVerifier checks entry-fee payments against the chain. It has no
// side effects and is safe to call repeatedly.
type PaymentVerifier struct {
	backend Backend
}

func NewPaymentVerifier(b Backend) *PaymentVerifier {
	return &PaymentVerifier{backend: b}
}

// ClaimFor builds the claim for a participant's entry fee on network n.
func ClaimFor(n Network, txHash string, fee decimal.Decimal) PaymentClaim {
	return PaymentClaim{
		TxHash:   txHash,
		Escrow:   n.Escrow,
		Token:    n.Token,
		Decimals: n.Decimals,
		Amount:   fee,
		ChainID:  n.ChainID,
	}
}

// Verify returns the authoritative payer of claim. Failures are
// *domain.VerificationFailure; RPC trouble is *domain.TransientChainError.
func (v *PaymentVerifier) Verify(ctx context.Context, claim PaymentClaim) (*PaymentProof, error) {
	raw, err := hexutil.Decode(claim.TxHash)
	if err != nil || len(raw) != common.HashLength {
		return nil, &domain.VerificationFailure{Reason: "malformed transaction hash", TxHash: claim.TxHash}
	}
	hash := common.BytesToHash(raw)

	if claim.ChainID != nil {
		id, err := v.backend.ChainID(ctx)
		if err != nil {
			return nil, &domain.TransientChainError{Op: "chain id", Err: err}
		}
		if id.Cmp(claim.ChainID) != 0 {
			return nil, &domain.VerificationFailure{
				Reason: fmt.Sprintf("connected to chain %s, expected %s", id, claim.ChainID),
				TxHash: claim.TxHash,
			}
		}
	}

	receipt, err := v.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, &domain.TransientChainError{Op: "payment receipt", Err: err}
	}

	want := ToBaseUnits(claim.Amount, claim.Decimals)
	if receipt.Status == types.ReceiptStatusSuccessful {
		for _, t := range Transfers(receipt, claim.Token) {
			if t.To == claim.Escrow && t.Value.Cmp(want) == 0 {
				return &PaymentProof{TxHash: hash, Payer: t.From, Value: t.Value}, nil
			}
		}
	}

	vf := &domain.VerificationFailure{
		Reason:        fmt.Sprintf("no Transfer of %s to escrow %s", want, claim.Escrow.Hex()),
		TxHash:        claim.TxHash,
		ReceiptStatus: &receipt.Status,
	}
	if from, to, err := v.backend.TransactionParties(ctx, hash); err == nil {
		vf.TxFrom, vf.TxTo = from.Hex(), to.Hex()
	}
	return nil, vf
}
