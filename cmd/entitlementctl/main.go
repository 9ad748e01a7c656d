package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/config"
	"qazna.org/entitlements/internal/obs"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

type globals struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "entitlementctl",
		Short:         "Operate the subscription entitlement service",
		Long:          `entitlementctl runs schema migrations and notification workers, and offers offline helpers for deriving entitlements and minting tokens.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file read before the process environment")

	root.AddCommand(
		newMigrateCmd(g),
		newWorkerCmd(g),
		newPublishCmd(g),
		newDeriveCmd(),
		newTokenCmd(g),
		newCallCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "entitlementctl %s (%s)\n", Version, GitCommit)
		},
	}
}

// load reads configuration and initializes logging from it.
func (g *globals) load(component string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.envFile)
	if err != nil {
		return config.Config{}, obs.Logger(), err
	}
	logger := obs.InitLogging(obs.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: component})
	return cfg, logger, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
