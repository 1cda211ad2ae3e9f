package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/broker"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/filter"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/imap"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/mbox"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/normalize"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/progress"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/publish"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/runner"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

func NewProduceCommand() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "produce",
		Short: "Publish unread newsletters from the mailbox (or an mbox archive) to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadProduceConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir, "produce")
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			source := "imap"
			if cfg.MboxPath != "" {
				source = "mbox"
			}
			logger.Info("starting producer", "source", source, "topic", cfg.Topic, "format", cfg.Format, "dryRun", cfg.DryRun)

			return runProduce(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterProduceFlags(c); err != nil {
		return nil, err
	}
	return c, nil
}

func runProduce(ctx context.Context, cfg config.ProduceConfig, logger *slog.Logger) error {
	codec, err := envelope.ForFormat(cfg.Format)
	if err != nil {
		return err
	}
	f, err := filter.New(filter.Options(cfg.Filters))
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	normalizer := normalize.New(normalize.Options{WrapWidth: cfg.WrapWidth})

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	var publisher publish.Publisher
	if !cfg.DryRun {
		producer, err := broker.NewProducer(brokerOptions(cfg.Kafka), logger)
		if err != nil {
			return fmt.Errorf("broker.NewProducer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close producer", "err", err)
			}
		}()
		publisher = producer
	}

	publishOpts := publish.Options{
		Topic:  cfg.Topic,
		Codec:  codec,
		Retry:  retry.Default(),
		DryRun: cfg.DryRun,
	}
	if _, err := publish.NewStage(publishOpts, publisher, r, logger); err != nil {
		return fmt.Errorf("publish.NewStage: %w", err)
	}

	var bar *progress.Bar
	if cfg.MboxPath != "" {
		if _, err := mbox.NewSource(mbox.Options{Path: cfg.MboxPath}, normalizer, f, r, logger); err != nil {
			return fmt.Errorf("mbox.NewSource: %w", err)
		}
		total, err := mbox.CountMessages(cfg.MboxPath)
		if err != nil {
			return fmt.Errorf("count mbox messages: %w", err)
		}
		bar = progress.New(total, cfg.LogLevel)
		r.SubscribeStats("progress-bar", bar.Subscriber)
	} else {
		imapOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			Since:              cfg.Since,
			DryRun:             cfg.DryRun,
		}
		if _, err := imap.NewSource(imapOpts, normalizer, f, r, logger); err != nil {
			return fmt.Errorf("imap.NewSource: %w", err)
		}
	}

	stopStatus := startStatus(ctx, "Producer Server", cfg.HTTPAddr, reporter.Summary, logger)
	defer stopStatus()

	started := time.Now()
	err = r.Start()
	if bar != nil {
		bar.Stop()
		progress.PrintSummary(reporter.Summary(), time.Since(started))
	}
	if f.Active() {
		logger.Info("filter summary", "rejected", f.Stats().Rejected)
	}
	return err
}
