package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/entitlements/internal/notify"
)

func newPublishCmd(g *globals) *cobra.Command {
	var (
		file    string
		key     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Enqueue a developer notification for the workers",
		Long: `Publish a raw developer notification (or a Pub/Sub push envelope) to the
configured Kafka topic or Redis stream. Handy for replaying a message captured
from Pub/Sub or for smoke-testing a worker.`,
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "-", "payload file, - for stdin")
	cmd.PersistentFlags().StringVar(&key, "key", "", "partition key (Kafka) or entry key field (Redis)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "publish deadline")

	run := func(build func(cmd *cobra.Command) (notify.Publisher, func() error, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if _, err := notify.Payload(payload); err != nil {
				return err
			}
			pub, closeFn, err := build(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := pub.Publish(ctx, key, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes\n", len(payload))
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "kafka",
			Short: "Publish to the Kafka topic",
			RunE: run(func(cmd *cobra.Command) (notify.Publisher, func() error, error) {
				cfg, _, err := g.load("publish")
				if err != nil {
					return nil, nil, err
				}
				if len(cfg.KafkaBrokers) == 0 {
					return nil, nil, fmt.Errorf("publish requires ENTITLEMENTS_KAFKA_BROKERS")
				}
				p := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
				return p, p.Close, nil
			}),
		},
		&cobra.Command{
			Use:   "redis",
			Short: "Publish to the Redis stream",
			RunE: run(func(cmd *cobra.Command) (notify.Publisher, func() error, error) {
				cfg, _, err := g.load("publish")
				if err != nil {
					return nil, nil, err
				}
				if cfg.RedisAddr == "" {
					return nil, nil, fmt.Errorf("publish requires ENTITLEMENTS_REDIS_ADDR")
				}
				client, err := notify.Connect(cfg.RedisAddr)
				if err != nil {
					return nil, nil, err
				}
				return notify.NewStreamPublisher(client, cfg.RedisStream), client.Close, nil
			}),
		},
	)
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if file == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	return data, nil
}
