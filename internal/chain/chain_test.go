package chain_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/chain/chaintest"
	"github.com/punchamoorthee/escrowops/internal/domain"
)

var (
	escrow  = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	token   = common.HexToAddress("0x00000000000000000000000000000000000005dc")
	payer   = common.HexToAddress("0x0000000000000000000000000000000000aaaa01")
	relayer = common.HexToAddress("0x0000000000000000000000000000000000bbbb02")
	network = chain.Network{ChainID: big.NewInt(8453), Escrow: escrow, Token: token, Decimals: 6}
)

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func TestToBaseUnits(t *testing.T) {
	assert.Equal(t, "100000000", chain.ToBaseUnits(decimal.NewFromInt(100), 6).String())
	assert.Equal(t, "1234567", chain.ToBaseUnits(decimal.RequireFromString("1.2345679"), 6).String())
	assert.Equal(t, "0", chain.ToBaseUnits(decimal.RequireFromString("0.0000009"), 6).String())
	assert.Equal(t, "1.5", chain.FromBaseUnits(big.NewInt(1_500_000), 6).String())
}

func TestDecodeTransferRejectsNonStandardLogs(t *testing.T) {
	l := chaintest.TransferLog(token, payer, escrow, usdc(1))
	tr, ok := chain.DecodeTransfer(l)
	require.True(t, ok)
	assert.Equal(t, payer, tr.From)
	assert.Equal(t, escrow, tr.To)
	assert.Equal(t, usdc(1), tr.Value)

	twoTopics := *l
	twoTopics.Topics = l.Topics[:2]
	_, ok = chain.DecodeTransfer(&twoTopics)
	assert.False(t, ok)

	otherEvent := *l
	otherEvent.Topics = []common.Hash{common.HexToHash("0x01"), l.Topics[1], l.Topics[2]}
	_, ok = chain.DecodeTransfer(&otherEvent)
	assert.False(t, ok)
}

func TestVerifyTransfers(t *testing.T) {
	r := &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			chaintest.TransferLog(token, escrow, payer, usdc(150)),
			chaintest.TransferLog(token, escrow, relayer, usdc(90)),
		},
	}
	exps := []chain.ExpectedTransfer{
		{Token: token, From: escrow, To: payer, Value: usdc(150)},
		{Token: token, From: escrow, To: relayer, Value: usdc(90)},
	}
	assert.NoError(t, chain.VerifyTransfers(r, exps))

	wrongValue := []chain.ExpectedTransfer{{Token: token, From: escrow, To: payer, Value: usdc(149)}}
	assert.Error(t, chain.VerifyTransfers(r, wrongValue))

	otherToken := []chain.ExpectedTransfer{{Token: escrow, From: escrow, To: payer, Value: usdc(150)}}
	assert.Error(t, chain.VerifyTransfers(r, otherToken))

	// one log cannot satisfy two identical expectations
	twice := []chain.ExpectedTransfer{exps[0], exps[0]}
	assert.Error(t, chain.VerifyTransfers(r, twice))

	reverted := &types.Receipt{Status: types.ReceiptStatusFailed, Logs: r.Logs}
	assert.Error(t, chain.VerifyTransfers(reverted, exps))

	noLogs := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	assert.Error(t, chain.VerifyTransfers(noLogs, exps[:1]))
}

func TestPaymentVerifierUsesTransferLogSender(t *testing.T) {
	b := chaintest.New(network)
	h := b.Pay("7", payer, relayer, usdc(100))

	v := chain.NewPaymentVerifier(b)
	proof, err := v.Verify(context.Background(), chain.ClaimFor(network, h.Hex(), decimal.NewFromInt(100)))
	require.NoError(t, err)
	assert.Equal(t, payer, proof.Payer, "payer must come from the log, not the relayer envelope")
	assert.Equal(t, usdc(100), proof.Value)
}

func TestPaymentVerifierRejectsWrongAmount(t *testing.T) {
	b := chaintest.New(network)
	h := b.Pay("7", payer, relayer, big.NewInt(99_000_000))

	v := chain.NewPaymentVerifier(b)
	_, err := v.Verify(context.Background(), chain.ClaimFor(network, h.Hex(), decimal.NewFromInt(100)))
	var vf *domain.VerificationFailure
	require.True(t, errors.As(err, &vf))
	assert.Equal(t, relayer.Hex(), vf.TxFrom)
	require.NotNil(t, vf.ReceiptStatus)
	assert.Equal(t, types.ReceiptStatusSuccessful, *vf.ReceiptStatus)
}

func TestPaymentVerifierRejectsOtherChainAndBadHash(t *testing.T) {
	b := chaintest.New(network)
	h := b.Pay("7", payer, common.Address{}, usdc(100))
	v := chain.NewPaymentVerifier(b)

	claim := chain.ClaimFor(network, h.Hex(), decimal.NewFromInt(100))
	claim.ChainID = big.NewInt(1)
	_, err := v.Verify(context.Background(), claim)
	assert.True(t, errors.As(err, new(*domain.VerificationFailure)))

	_, err = v.Verify(context.Background(), chain.ClaimFor(network, "0x1234", decimal.NewFromInt(100)))
	assert.True(t, errors.As(err, new(*domain.VerificationFailure)))
}

func TestPaymentVerifierUnknownTxIsTransient(t *testing.T) {
	b := chaintest.New(network)
	v := chain.NewPaymentVerifier(b)
	_, err := v.Verify(context.Background(), chain.ClaimFor(network, common.HexToHash("0xdead").Hex(), decimal.NewFromInt(1)))
	assert.True(t, errors.As(err, new(*domain.TransientChainError)))
}

func TestAwaitReceipt(t *testing.T) {
	b := chaintest.New(network)
	b.Script(chaintest.Pending)
	h, err := b.TransferToken(context.Background(), nil, payer, usdc(1))
	require.NoError(t, err)

	_, err = chain.AwaitReceipt(context.Background(), b, h, time.Millisecond, 10*time.Millisecond)
	assert.True(t, errors.Is(err, chain.ErrReceiptTimeout))
	assert.True(t, errors.As(err, new(*domain.TransientChainError)))

	b.Mine(h, chaintest.Succeed)
	r, err := chain.AwaitReceipt(context.Background(), b, h, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, r.Status)
}

func TestIsGasPriceRejection(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{chain.ErrGasPriceRejected, true},
		{fmt.Errorf("refund: %w: boom", chain.ErrGasPriceRejected), true},
		{errors.New("transaction underpriced"), true},
		{errors.New("max fee per gas less than block base fee: address 0x1"), true},
		{errors.New("tx fee (1.20 ether) exceeds the configured cap (1.00 ether)"), true},
		{errors.New("replacement transaction underpriced"), false},
		{errors.New("read tcp 10.0.0.1:443: i/o timeout"), false},
		{errors.New("nonce too low"), false},
		{chaintest.ErrSendTimeout, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chain.IsGasPriceRejection(tt.err), "%v", tt.err)
	}
}
