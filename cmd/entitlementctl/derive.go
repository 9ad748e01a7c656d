package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/billing"
	"qazna.org/entitlements/internal/entitlement"
)

type deriveOutput struct {
	entitlement.Derived
	HasPremiumAccess bool `json:"hasPremiumAccess"`
}

func newDeriveCmd() *cobra.Command {
	var (
		file    string
		product string
		at      string
	)
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Classify a Play subscription record offline",
		Long: `Read a purchases.subscriptions resource as returned by the Play Developer API
and print the entitlement it maps to. Nothing is stored.

Example:
  entitlementctl derive --product premium_monthly_v1 < purchase.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			data, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			raw, err := billing.ParseSubscriptionJSON(data)
			if err != nil {
				return err
			}
			d := entitlement.Derive(raw, product, now)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(deriveOutput{Derived: d, HasPremiumAccess: entitlement.HasPremiumAccess(d.State)})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "subscription JSON file, - for stdin")
	cmd.Flags().StringVar(&product, "product", "", "product id recorded on the entitlement")
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC 3339), defaults to now")
	return cmd
}
