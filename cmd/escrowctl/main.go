// Command escrowctl runs one-shot cancel, settle and reconcile passes
// against the configured store and chain.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/escrowops/internal/app"
	"github.com/punchamoorthee/escrowops/internal/config"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/logging"
)

var (
	userID string
	roles  []string
)

func main() {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate escrow refunds and settlements",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&userID, "user", "", "acting user id")
	root.PersistentFlags().StringSliceVar(&roles, "roles", []string{"admin"}, "acting user roles")

	root.AddCommand(cancelCmd(), settleCmd(), reconcileCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func caller() domain.Caller {
	return domain.Caller{UserID: userID, Roles: roles}
}

// withApp loads configuration, opens the engine and runs fn.
func withApp(fn func(ctx context.Context, a *app.App) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	ctx := context.Background()
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if b, merr := json.MarshalIndent(out, "", "  "); merr == nil && string(b) != "null" {
		fmt.Println(string(b))
	}
	return err
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel GAME_ID",
		Short: "Cancel a game and refund every paid participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.CancelAndRefund(ctx, args[0], caller())
			})
		},
	}
}

func settleCmd() *cobra.Command {
	var (
		winners       []string
		bps           []int
		expectedTotal string
		allowUnpaid   bool
	)
	cmd := &cobra.Command{
		Use:   "settle GAME_ID",
		Short: "Pay out winners in placement order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(winners) == 0 {
				return fmt.Errorf("--winners is required")
			}
			req := domain.SettleRequest{
				Winners: winners,
				Overrides: domain.SettleOverrides{
					AllowUnpaid:   allowUnpaid,
					Bps:           bps,
					ExpectedTotal: strings.TrimSpace(expectedTotal),
				},
			}
			return withApp(func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.Settle(ctx, args[0], req, caller())
			})
		},
	}
	cmd.Flags().StringSliceVar(&winners, "winners", nil, "winner participant ids, first place first")
	cmd.Flags().IntSliceVar(&bps, "bps", nil, "basis-point split override")
	cmd.Flags().StringVar(&expectedTotal, "expected-total", "", "expected pot in token units")
	cmd.Flags().BoolVar(&allowUnpaid, "allow-unpaid", false, "allow winners without a verified payment (admin only)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile GAME_ID",
		Short: "Resolve broadcast refunds from chain state without sending anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.Reconcile(ctx, args[0])
			})
		},
	}
}
