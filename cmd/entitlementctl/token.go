package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/auth"
)

func newTokenCmd(g *globals) *cobra.Command {
	var (
		user  string
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with ENTITLEMENTS_AUTH_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load("token")
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return errors.New("ENTITLEMENTS_AUTH_SECRET is not set")
			}
			tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
			if err != nil {
				return err
			}
			tok, err := tokens.Generate(user, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject (user id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
