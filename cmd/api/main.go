package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/escrowops/internal/api"
	"github.com/punchamoorthee/escrowops/internal/app"
	"github.com/punchamoorthee/escrowops/internal/config"
	"github.com/punchamoorthee/escrowops/internal/logging"
	"github.com/punchamoorthee/escrowops/internal/worker"
)

var log = ethlog.New("module", "main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Error("Logging setup failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Error("Startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	sweep := worker.NewReconciler(a.Engine, cfg.ReconcileInterval)
	if err := sweep.Start(); err != nil {
		log.Error("Reconciliation sweep not started", "err", err)
		os.Exit(1)
	}
	defer sweep.Stop()

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	api.NewHandler(a.Engine).Routes(r.PathPrefix("/api/v1").Subrouter())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server stopped", "err", err)
	}
}
