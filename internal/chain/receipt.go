package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

// AwaitReceipt polls for hash's receipt until it appears or timeout passes.
// RPC errors keep the poll going; only the deadline ends it.
func AwaitReceipt(ctx context.Context, b Backend, hash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTicker(poll)
	defer t.Stop()

	var lastErr error
	for {
		r, err := b.TransactionReceipt(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			lastErr = err
			log.Debug("receipt poll failed", "tx", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, &domain.TransientChainError{Op: "await receipt", Err: fmt.Errorf("%w: %v", ErrReceiptTimeout, lastErr)}
			}
			return nil, &domain.TransientChainError{Op: "await receipt", Err: ErrReceiptTimeout}
		case <-t.C:
		}
	}
}
