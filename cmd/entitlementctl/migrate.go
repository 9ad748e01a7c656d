package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/migrate"
	"qazna.org/entitlements/internal/store/pg"
)

func newMigrateCmd(g *globals) *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to ENTITLEMENTS_PG_DSN)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	withManager := func(fn func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load("migrate")
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.PGDSN
			}
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or ENTITLEMENTS_PG_DSN")
			}
			st, err := pg.Open(dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fn(ctx, cmd, migrate.NewManager(st.DB(), migrate.Embedded()))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				history, err := mgr.Status(ctx)
				for _, item := range history {
					fmt.Fprintln(cmd.OutOrStdout(), item)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List migrations not yet applied",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				pending, err := mgr.Pending(ctx)
				for _, item := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), item)
				}
				return err
			}),
		},
	)
	return cmd
}
