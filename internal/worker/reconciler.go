// Package worker runs the background reconciliation sweep.
package worker

import (
	"context"
	"fmt"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/go-co-op/gocron/v2"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

var log = ethlog.New("module", "worker")

// Sweeper is what the sweep needs from the engine. It never broadcasts.
type Sweeper interface {
	PendingRefundGames(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, gameID string) ([]domain.ReconcileResult, error)
}

// Summary tallies one sweep.
type Summary struct {
	Games       int
	Resolutions map[domain.Resolution]int
	Errors      int
}

type Reconciler struct {
	engine   Sweeper
	interval time.Duration
	timeout  time.Duration
	sched    gocron.Scheduler
}

func NewReconciler(e Sweeper, interval time.Duration) *Reconciler {
	return &Reconciler{engine: e, interval: interval, timeout: interval}
}

// RunOnce reconciles every game holding an unconfirmed refund hash.
// A failing game is logged and skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	sum := Summary{Resolutions: map[domain.Resolution]int{}}
	games, err := r.engine.PendingRefundGames(ctx)
	if err != nil {
		return sum, fmt.Errorf("list pending refund games: %w", err)
	}
	for _, id := range games {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Games++
		results, err := r.engine.Reconcile(ctx, id)
		if err != nil {
			sum.Errors++
			log.Warn("Reconcile failed", "game", id, "err", err)
			continue
		}
		for _, res := range results {
			sum.Resolutions[res.Resolution]++
		}
	}
	return sum, nil
}

// Start schedules RunOnce every interval. Runs never overlap.
func (r *Reconciler) Start() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(r.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reconcile-refunds"),
	)
	if err != nil {
		return fmt.Errorf("schedule reconcile job: %w", err)
	}
	r.sched = s
	s.Start()
	log.Info("Reconciliation sweep scheduled", "interval", r.interval)
	return nil
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	sum, err := r.RunOnce(ctx)
	if err != nil {
		log.Error("Reconciliation sweep failed", "err", err)
		return
	}
	if sum.Games > 0 {
		log.Info("Reconciliation sweep done", "games", sum.Games, "resolutions", sum.Resolutions, "errors", sum.Errors)
	}
}

func (r *Reconciler) Stop() error {
	if r.sched == nil {
		return nil
	}
	return r.sched.Shutdown()
}
