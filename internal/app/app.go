// Package app wires configuration into a running engine for the binaries.
package app

import (
	"context"
	"fmt"

	ethlog "github.com/ethereum/go-ethereum/log"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/config"
	"github.com/punchamoorthee/escrowops/internal/service"
	"github.com/punchamoorthee/escrowops/internal/store"
)

var log = ethlog.New("module", "app")

// App holds the engine and the resources it owns.
type App struct {
	Engine  *service.Engine
	closers []func()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Open connects the store, chain backend and audit sink described by cfg.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("Using in-memory store; state is lost on exit")
		st = store.NewMemoryStore()
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		st = pg
	}

	if cfg.RPCURL == "" {
		a.Close()
		return nil, fmt.Errorf("CHAIN_RPC_URL environment variable is required")
	}
	backend, err := chain.DialEth(ctx, cfg.RPCURL, cfg.Network, cfg.OperatorKey, cfg.PayoutKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)

	var sink audit.Sink = audit.LogSink{}
	if cfg.Audit.Bucket != "" {
		s3sink, err := audit.DialS3(ctx, cfg.Audit)
		if err != nil {
			a.Close()
			return nil, err
		}
		sink = audit.Multi{audit.LogSink{}, s3sink}
		log.Info("Audit events mirrored to object storage", "bucket", cfg.Audit.Bucket)
	}

	a.Engine = service.New(service.Deps{
		Store:   st,
		Backend: backend,
		Network: cfg.Network,
		Policy:  cfg.Broadcast,
		Audit:   sink,
	})
	return a, nil
}
