package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/blocks"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/filter"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/mbox"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/normalize"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

var errLimitReached = errors.New("preview limit reached")

func NewPreviewCommand() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "preview [mbox file]",
		Short: "Print the Slack payloads an mbox archive would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPreviewConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir, "preview")
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			return runPreview(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
		},
	}

	if err := config.RegisterPreviewFlags(c); err != nil {
		return nil, err
	}
	return c, nil
}

func runPreview(ctx context.Context, cfg config.PreviewConfig, out io.Writer, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := filter.New(filter.Options(cfg.Filters))
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	normalizer := normalize.New(normalize.Options{WrapWidth: cfg.WrapWidth})

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")

	previewed := 0
	err = mbox.Read(cfg.MboxPath, func(e mbox.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.Allows(e.Header, e.Body) {
			return nil
		}

		record := e.Record(normalizer)
		fmt.Fprintf(out, "# %d %s\n", record.SequenceNumber, record.Subject)
		if err := enc.Encode(blocks.Payload(record, cfg.BlockSize)); err != nil {
			return fmt.Errorf("message %d: %w", e.Position, err)
		}
		fmt.Fprintln(out)
		logger.Debug("previewed", "seq", record.SequenceNumber, "key", e.Key(), "bodyLen", len(record.Body))

		previewed++
		if cfg.Limit > 0 && previewed >= cfg.Limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return fmt.Errorf("read mbox: %w", err)
	}

	fmt.Fprintf(out, "Previewed %d messages\n", previewed)
	if f.Active() {
		fs := f.Stats()
		fmt.Fprintf(out, "Rejected by filters: %d\n", fs.Rejected)
		fmt.Fprintf(out, "Top %d filter patterns:\n", cfg.Top)
		stats.PrintTop(out, fs.Hits, cfg.Top)
	}
	return nil
}
