package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "technews",
		Short:         "Relay newsletter emails through Kafka into Slack",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	for _, build := range []func() (*cobra.Command, error){
		cmd.NewProduceCommand,
		cmd.NewConsumeCommand,
		cmd.NewPreviewCommand,
	} {
		sub, err := build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
			os.Exit(1)
		}
		rootCmd.AddCommand(sub)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
