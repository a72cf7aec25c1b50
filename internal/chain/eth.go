package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	ethlog "github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
)

var log = ethlog.New("module", "chain")

const receiptCacheSize = 4096

// EthBackend implements Backend over a JSON-RPC endpoint.
type EthBackend struct {
	client   *ethclient.Client
	network  Network
	escrow   *bind.BoundContract
	token    *bind.BoundContract
	operator *ecdsa.PrivateKey
	payout   *ecdsa.PrivateKey
	receipts *lru.Cache
}

// DialEth connects to rpcURL. operatorKey signs escrow calls, payoutKey
// signs direct prize transfers; either may be empty when the deployment
// never uses that path.
func DialEth(ctx context.Context, rpcURL string, n Network, operatorKey, payoutKey string) (*EthBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	escrowABIParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	erc20ABIParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	cache, err := lru.New(receiptCacheSize)
	if err != nil {
		return nil, err
	}

	b := &EthBackend{
		client:   client,
		network:  n,
		escrow:   bind.NewBoundContract(n.Escrow, escrowABIParsed, client, client, client),
		token:    bind.NewBoundContract(n.Token, erc20ABIParsed, client, client, client),
		receipts: cache,
	}
	if operatorKey != "" {
		if b.operator, err = crypto.HexToECDSA(strings.TrimPrefix(operatorKey, "0x")); err != nil {
			return nil, fmt.Errorf("operator key: %w", err)
		}
	}
	if payoutKey != "" {
		if b.payout, err = crypto.HexToECDSA(strings.TrimPrefix(payoutKey, "0x")); err != nil {
			return nil, fmt.Errorf("payout key: %w", err)
		}
	}
	return b, nil
}

func (b *EthBackend) Close() { b.client.Close() }

func (b *EthBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.client.ChainID(ctx)
}

// TransactionReceipt caches receipts once mined; a missing receipt maps to
// ErrReceiptNotFound.
func (b *EthBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if v, ok := b.receipts.Get(hash); ok {
		return v.(*types.Receipt), nil
	}
	r, err := b.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	b.receipts.Add(hash, r)
	return r, nil
}

// TransactionParties returns the envelope sender and target, for diagnostics only.
func (b *EthBackend) TransactionParties(ctx context.Context, hash common.Hash) (common.Address, common.Address, error) {
	tx, _, err := b.client.TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	return from, to, nil
}

func (b *EthBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return b.client.SuggestGasPrice(ctx)
}

func (b *EthBackend) TotalCollected(ctx context.Context, gameID *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := b.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "totalCollected", gameID); err != nil {
		return nil, fmt.Errorf("totalCollected(%s): %w", gameID, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (b *EthBackend) TournamentPayouts(ctx context.Context, gameID *big.Int, recipients []common.Address, base []*big.Int, rule TournamentRule) ([]*big.Int, error) {
	var out []interface{}
	err := b.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "tournamentPayouts",
		gameID, recipients, base, rule.MultiplierMode, rule.DoubleMode)
	if err != nil {
		return nil, fmt.Errorf("tournamentPayouts(%s): %w", gameID, err)
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}

func (b *EthBackend) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf(%s): %w", owner.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (b *EthBackend) Refund(ctx context.Context, gasPrice *big.Int, gameID *big.Int, player common.Address) (common.Hash, error) {
	return b.transact(ctx, b.escrow, b.operator, gasPrice, "refund", gameID, player)
}

func (b *EthBackend) SettleGame(ctx context.Context, gasPrice *big.Int, gameID *big.Int, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
	return b.transact(ctx, b.escrow, b.operator, gasPrice, "settleGame", gameID, recipients, amounts)
}

func (b *EthBackend) TransferToken(ctx context.Context, gasPrice *big.Int, to common.Address, amount *big.Int) (common.Hash, error) {
	return b.transact(ctx, b.token, b.payout, gasPrice, "transfer", to, amount)
}

func (b *EthBackend) PayoutWallet() common.Address {
	if b.payout == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(b.payout.PublicKey)
}

func (b *EthBackend) transact(ctx context.Context, c *bind.BoundContract, key *ecdsa.PrivateKey, gasPrice *big.Int, method string, params ...interface{}) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, fmt.Errorf("%s: no signing key configured", method)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, b.network.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	opts.Context = ctx
	opts.GasPrice = gasPrice

	tx, err := c.Transact(opts, method, params...)
	if err != nil {
		if gasPrice != nil && IsGasPriceRejection(err) {
			return common.Hash{}, fmt.Errorf("%s: %w: %v", method, ErrGasPriceRejected, err)
		}
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	log.Info("transaction sent", "method", method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce(), "gasPrice", tx.GasPrice())
	return tx.Hash(), nil
}
