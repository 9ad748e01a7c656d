package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/reconcile"
	"qazna.org/entitlements/internal/remote"
)

type callFunc func(s *remote.Service, ctx context.Context, req reconcile.Request) (reconcile.Result, error)

func newCallCmd() *cobra.Command {
	var (
		addr    string
		bearer  string
		req     reconcile.Request
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call Verify or Restore on a running server over gRPC",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "gRPC address")
	cmd.PersistentFlags().StringVar(&bearer, "bearer", os.Getenv("ENTITLEMENTS_BEARER"), "bearer token (defaults to ENTITLEMENTS_BEARER)")
	cmd.PersistentFlags().StringVar(&req.ProductID, "product", "", "subscription product id")
	cmd.PersistentFlags().StringVar(&req.PurchaseToken, "purchase-token", "", "Play purchase token")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "call deadline")

	run := func(fn callFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if bearer == "" {
				return errors.New("a bearer token is required (--bearer or ENTITLEMENTS_BEARER)")
			}
			client, err := remote.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := remote.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := fn(remote.NewService(client, bearer), ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify a purchase for the token holder",
		Args:  cobra.NoArgs,
		RunE:  run((*remote.Service).Verify),
	}
	verify.Flags().StringVar(&req.PackageName, "package", "", "application package name")

	cmd.AddCommand(verify, &cobra.Command{
		Use:   "restore",
		Short: "Restore a purchase for the token holder",
		Args:  cobra.NoArgs,
		RunE:  run((*remote.Service).Restore),
	})
	return cmd
}
