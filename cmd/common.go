// Package cmd holds the produce, consume and preview subcommands.
package cmd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/broker"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/status"
)

func brokerOptions(k config.Kafka) broker.Options {
	return broker.Options{
		Brokers:  k.Brokers,
		ClientID: k.ClientID,
		Username: k.APIKey,
		Password: k.APISecret,
		TLS:      k.TLS,
		Version:  k.Version,
	}
}

// startStatus runs the status server until the returned stop func is
// called. An empty address disables it.
func startStatus(ctx context.Context, name, addr string, summary status.SummaryFunc, logger *slog.Logger) (stop func()) {
	if addr == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	srv := status.New(name, addr, summary, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			logger.Warn("status server stopped", "addr", addr, "err", err)
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
