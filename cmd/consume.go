package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/broker"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/delivery"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/state"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/webhook"
)

// handlerAttempts bounds the consumer-level retries of one record. Webhook
// posts retry on their own.
const handlerAttempts = 3

func NewConsumeCommand() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "consume",
		Short: "Post technews records from Kafka to a Slack webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConsumeConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir, "consume")
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting consumer", "topic", cfg.Topic, "group", cfg.GroupID, "fromBeginning", cfg.FromBeginning, "dryRun", cfg.DryRun)

			return runConsume(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterConsumeFlags(c); err != nil {
		return nil, err
	}
	return c, nil
}

func runConsume(ctx context.Context, cfg config.ConsumeConfig, logger *slog.Logger) error {
	codec, err := envelope.ForFormat(cfg.Format)
	if err != nil {
		return err
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, state.DeliveredFile, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("close state tracker", "err", err)
		}
	}()

	var poster delivery.Poster
	if !cfg.DryRun {
		client, err := webhook.New(webhook.Config{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout,
			Retry:   retry.Config{MaxAttempts: cfg.MaxAttempts},
		}, logger)
		if err != nil {
			return fmt.Errorf("webhook.New: %w", err)
		}
		poster = client
	}

	collector := stats.NewCollector()
	handler, err := delivery.New(delivery.Options{
		Codec:     codec,
		BlockSize: cfg.BlockSize,
		DryRun:    cfg.DryRun,
	}, poster, tracker, collector, logger)
	if err != nil {
		return fmt.Errorf("delivery.New: %w", err)
	}

	consumer, err := broker.NewConsumer(brokerOptions(cfg.Kafka), broker.ConsumerConfig{
		GroupID:       cfg.GroupID,
		Topics:        []string{cfg.Topic},
		FromBeginning: cfg.FromBeginning,
		Retry:         retry.Config{MaxAttempts: handlerAttempts},
	}, handler.Handle, logger)
	if err != nil {
		return fmt.Errorf("broker.NewConsumer: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("close consumer", "err", err)
		}
	}()

	stopStatus := startStatus(ctx, "Consumer Server", cfg.HTTPAddr, collector.Snapshot, logger)
	defer stopStatus()

	err = consumer.Run(ctx)
	logger.Info("stats summary", collector.Snapshot().LogAttrs()...)
	return err
}
