// Package chaintest provides an in-memory chain for exercising the engine.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/escrowops/internal/chain"
)

// Behavior scripts how the next broadcast lands.
type Behavior int

const (
	// Succeed mines a successful receipt with the expected Transfer logs.
	Succeed Behavior = iota
	// Revert mines a failed receipt.
	Revert
	// SucceedNoTransfer mines status=1 without any Transfer log.
	SucceedNoTransfer
	// Pending never mines; use Mine to resolve it later.
	Pending
	// SendError fails the broadcast itself.
	SendError
	// SendTimeout mines the transaction but reports ErrSendTimeout to the
	// sender, like an RPC that dies after the node accepted the tx.
	SendTimeout
)

var (
	ErrSend        = errors.New("chaintest: send rejected")
	ErrSendTimeout = errors.New("chaintest: i/o timeout")
)

// Sent records one broadcast.
type Sent struct {
	Method     string
	Hash       common.Hash
	GasPrice   *big.Int
	GameID     *big.Int
	Recipients []common.Address
	Amounts    []*big.Int
	logs       []*types.Log
}

// Backend is a scriptable chain.Backend.
type Backend struct {
	mu sync.Mutex

	Network  chain.Network
	Wallet   common.Address
	GasPrice *big.Int
	// RejectExplicitGas makes any send with a non-nil gas price fail.
	RejectExplicitGas bool

	Totals     map[string]*big.Int
	Balances   map[common.Address]*big.Int
	Multiplier func(base *big.Int, rule chain.TournamentRule) *big.Int

	receipts    map[common.Hash]*types.Receipt
	receiptErrs map[common.Hash]error
	parties     map[common.Hash][2]common.Address
	deposits    map[string]*big.Int
	pending     map[common.Hash]*Sent
	script      []Behavior
	sent        []*Sent
	seq         uint64
}

func New(n chain.Network) *Backend {
	return &Backend{
		Network:     n,
		Wallet:      common.HexToAddress("0x00000000000000000000000000000000000f00d5"),
		GasPrice:    big.NewInt(1_000_000_000),
		Totals:      make(map[string]*big.Int),
		Balances:    make(map[common.Address]*big.Int),
		receipts:    make(map[common.Hash]*types.Receipt),
		receiptErrs: make(map[common.Hash]error),
		parties:     make(map[common.Hash][2]common.Address),
		deposits:    make(map[string]*big.Int),
		pending:     make(map[common.Hash]*Sent),
	}
}

// Script queues behaviours for subsequent broadcasts. Once the queue is
// empty every broadcast succeeds.
func (b *Backend) Script(bs ...Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, bs...)
}

// Sent returns every broadcast so far.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sent, 0, len(b.sent))
	for _, s := range b.sent {
		out = append(out, *s)
	}
	return out
}

// SentCount counts broadcasts of method.
func (b *Backend) SentCount(method string) int {
	n := 0
	for _, s := range b.Sent() {
		if s.Method == method {
			n++
		}
	}
	return n
}

// Pay mines an entry-fee payment from payer to the escrow for gameID and
// returns its hash. relayer, if non-zero, is recorded as the envelope sender.
func (b *Backend) Pay(gameID string, payer, relayer common.Address, value *big.Int) common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextHash()
	b.receipts[h] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: h,
		Logs:   []*types.Log{TransferLog(b.Network.Token, payer, b.Network.Escrow, value)},
	}
	from := payer
	if relayer != (common.Address{}) {
		from = relayer
	}
	b.parties[h] = [2]common.Address{from, b.Network.Token}
	key := depositKey(gameID, payer)
	if b.deposits[key] == nil {
		b.deposits[key] = new(big.Int)
	}
	b.deposits[key].Add(b.deposits[key], value)
	if b.Totals[gameID] == nil {
		b.Totals[gameID] = new(big.Int)
	}
	b.Totals[gameID].Add(b.Totals[gameID], value)
	return h
}

// SetReceipt installs an arbitrary receipt.
func (b *Backend) SetReceipt(h common.Hash, r *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[h] = r
}

// FailReceipts makes receipt lookups for h return err until cleared with nil.
func (b *Backend) FailReceipts(h common.Hash, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.receiptErrs, h)
		return
	}
	b.receiptErrs[h] = err
}

// Mine resolves a Pending broadcast with behaviour bh.
func (b *Backend) Mine(h common.Hash, bh Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[h]
	if !ok {
		return
	}
	delete(b.pending, h)
	b.receipts[h] = receiptFor(s, bh)
}

// TransferLog builds an ERC-20 Transfer log.
func TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{chain.TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(value.Bytes(), 32),
	}
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.Network.ChainID), nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.receiptErrs[h]; err != nil {
		return nil, err
	}
	r, ok := b.receipts[h]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return r, nil
}

func (b *Backend) TransactionParties(ctx context.Context, h common.Hash) (common.Address, common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parties[h]
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("unknown tx %s", h.Hex())
	}
	return p[0], p[1], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *Backend) TotalCollected(ctx context.Context, gameID *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.Totals[gameID.String()]; t != nil {
		return new(big.Int).Set(t), nil
	}
	return new(big.Int), nil
}

func (b *Backend) TournamentPayouts(ctx context.Context, gameID *big.Int, recipients []common.Address, base []*big.Int, rule chain.TournamentRule) ([]*big.Int, error) {
	out := make([]*big.Int, len(base))
	for i, v := range base {
		if b.Multiplier != nil {
			out[i] = b.Multiplier(v, rule)
		} else {
			out[i] = new(big.Int).Set(v)
		}
	}
	return out, nil
}

func (b *Backend) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v := b.Balances[owner]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) Refund(ctx context.Context, gasPrice *big.Int, gameID *big.Int, player common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value := b.deposits[depositKey(gameID.String(), player)]
	if value == nil {
		value = new(big.Int)
	}
	s := &Sent{Method: "refund", GasPrice: gasPrice, GameID: gameID, Recipients: []common.Address{player}, Amounts: []*big.Int{value}}
	s.logs = []*types.Log{TransferLog(b.Network.Token, b.Network.Escrow, player, value)}
	return b.broadcast(s)
}

func (b *Backend) SettleGame(ctx context.Context, gasPrice *big.Int, gameID *big.Int, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Sent{Method: "settleGame", GasPrice: gasPrice, GameID: gameID, Recipients: recipients, Amounts: amounts}
	for i, to := range recipients {
		if amounts[i].Sign() > 0 {
			s.logs = append(s.logs, TransferLog(b.Network.Token, b.Network.Escrow, to, amounts[i]))
		}
	}
	return b.broadcast(s)
}

func (b *Backend) TransferToken(ctx context.Context, gasPrice *big.Int, to common.Address, amount *big.Int) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Sent{Method: "transfer", GasPrice: gasPrice, Recipients: []common.Address{to}, Amounts: []*big.Int{amount}}
	s.logs = []*types.Log{TransferLog(b.Network.Token, b.Wallet, to, amount)}
	return b.broadcast(s)
}

func (b *Backend) PayoutWallet() common.Address { return b.Wallet }

// broadcast must be called with b.mu held.
func (b *Backend) broadcast(s *Sent) (common.Hash, error) {
	if b.RejectExplicitGas && s.GasPrice != nil {
		return common.Hash{}, fmt.Errorf("%w: explicit gas price not accepted", chain.ErrGasPriceRejected)
	}
	bh := Succeed
	if len(b.script) > 0 {
		bh, b.script = b.script[0], b.script[1:]
	}
	if bh == SendError {
		return common.Hash{}, ErrSend
	}
	s.Hash = b.nextHash()
	b.sent = append(b.sent, s)
	if bh == Pending {
		b.pending[s.Hash] = s
		return s.Hash, nil
	}
	b.receipts[s.Hash] = receiptFor(s, bh)
	if bh == SendTimeout {
		return common.Hash{}, ErrSendTimeout
	}
	return s.Hash, nil
}

func receiptFor(s *Sent, bh Behavior) *types.Receipt {
	r := &types.Receipt{TxHash: s.Hash, Status: types.ReceiptStatusSuccessful}
	switch bh {
	case Revert:
		r.Status = types.ReceiptStatusFailed
	case SucceedNoTransfer:
	default:
		r.Logs = s.logs
	}
	return r
}

func (b *Backend) nextHash() common.Hash {
	b.seq++
	return common.BigToHash(new(big.Int).SetUint64(0xabc000 + b.seq))
}

func depositKey(gameID string, player common.Address) string {
	return gameID + "/" + player.Hex()
}
