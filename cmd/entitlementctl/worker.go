package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/app"
	"qazna.org/entitlements/internal/config"
	"qazna.org/entitlements/internal/notify"
	"qazna.org/entitlements/internal/obs"
)

func newWorkerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Apply Play notifications from a queue",
		Long: `Consume real-time developer notifications from Kafka or a Redis stream and
reconcile the matching entitlements. A record is acknowledged only after it
was applied or found to be malformed; transient failures are retried with
exponential backoff and otherwise left for redelivery.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "kafka",
			Short: "Consume notifications from a Kafka topic",
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.runWorker(cmd.Context(), "kafka", func(ctx context.Context, deps *app.Components, w workerEnv) error {
					reader, err := notify.NewKafkaReader(w.cfg.KafkaBrokers, w.cfg.KafkaTopic, w.cfg.KafkaGroup)
					if err != nil {
						return err
					}
					consumer := notify.NewKafkaConsumer(reader, deps.Service, notify.DefaultRetryPolicy, w.log)
					defer consumer.Close()
					w.log.Info().Str("topic", w.cfg.KafkaTopic).Str("group", w.cfg.KafkaGroup).Msg("kafka worker started")
					return consumer.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "redis",
			Short: "Consume notifications from a Redis stream",
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.runWorker(cmd.Context(), "redis", func(ctx context.Context, deps *app.Components, w workerEnv) error {
					if w.cfg.RedisAddr == "" {
						return fmt.Errorf("redis worker requires ENTITLEMENTS_REDIS_ADDR")
					}
					client, err := notify.Connect(w.cfg.RedisAddr)
					if err != nil {
						return err
					}
					defer client.Close()
					consumer := notify.NewStreamConsumer(client, w.cfg.RedisStream, w.cfg.RedisGroup, consumerName(), deps.Service, notify.DefaultRetryPolicy, w.log)
					w.log.Info().Str("stream", w.cfg.RedisStream).Str("group", w.cfg.RedisGroup).Msg("redis worker started")
					return consumer.Run(ctx)
				})
			},
		},
	)
	return cmd
}

type workerEnv struct {
	cfg config.Config
	log zerolog.Logger
}

// runWorker wires the service and runs fn until SIGINT or SIGTERM.
func (g *globals) runWorker(parent context.Context, transport string, fn func(ctx context.Context, deps *app.Components, w workerEnv) error) error {
	cfg, logger, err := g.load("worker-" + transport)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(Version, GitCommit, cfg.Store)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	err = fn(ctx, deps, workerEnv{cfg: cfg, log: logger})
	logger.Info().Err(err).Msg("worker stopped")
	return err
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
