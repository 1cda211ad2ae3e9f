// Package delivery turns consumed technews records into Slack posts.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/IBM/sarama"
	"github.com/slack-go/slack"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/blocks"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/broker"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/publish"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/state"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

var ErrNoPoster = errors.New("poster must not be nil")

// Poster sends one webhook message.
type Poster interface {
	Post(ctx context.Context, msg *slack.WebhookMessage) error
}

type Options struct {
	// Codec decodes records that carry no content-type header.
	Codec     envelope.Codec
	BlockSize int
	DryRun    bool
	// Out receives the payloads of a dry run. Defaults to stdout.
	Out io.Writer
}

// Handler decodes, formats and posts one record at a time. It is safe for
// concurrent use by several partition claims.
type Handler struct {
	opts      Options
	poster    Poster
	tracker   state.Tracker
	collector *stats.Collector
	logger    *slog.Logger
}

// New creates a Handler. poster may be nil in dry runs.
func New(opts Options, poster Poster, tracker state.Tracker, collector *stats.Collector, logger *slog.Logger) (*Handler, error) {
	if poster == nil && !opts.DryRun {
		return nil, ErrNoPoster
	}
	if opts.Codec == nil {
		opts.Codec = envelope.Avro{}
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = blocks.DefaultMaxLen
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	if collector == nil {
		collector = stats.NewCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{opts: opts, poster: poster, tracker: tracker, collector: collector, logger: logger}, nil
}

// Handle is a broker.MessageHandler. Records that cannot be decoded are
// dropped; a failed post is reported as permanent because the webhook client
// has already retried it.
func (h *Handler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	key := recordKey(msg)

	record, err := h.decode(msg)
	if err != nil {
		h.logger.Warn("dropping undecodable record", "key", key, "offset", msg.Offset, "err", err)
		h.collector.Add(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDecodeFailure, Key: key, Err: err})
		return nil
	}

	if h.tracker.Seen(key) {
		h.logger.Debug("already delivered", "key", key, "seq", record.SequenceNumber)
		h.collector.Add(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDuplicate, Key: key})
		return nil
	}

	payload := blocks.Payload(record, h.opts.BlockSize)

	if h.opts.DryRun {
		if err := h.print(payload); err != nil {
			return retry.Permanent(fmt.Errorf("print payload: %w", err))
		}
		if err := h.tracker.Mark(key, record.SequenceNumber); err != nil {
			return retry.Permanent(err)
		}
		h.collector.Add(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDryRun, Key: key})
		return nil
	}

	if err := h.poster.Post(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return err
		}
		h.collector.Add(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Key: key, Err: err})
		return retry.Permanent(fmt.Errorf("deliver %s: %w", key, err))
	}

	if err := h.tracker.Mark(key, record.SequenceNumber); err != nil {
		h.logger.Warn("persist delivery state failed", "key", key, "err", err)
	}
	h.collector.Add(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDelivered, Key: key})
	h.logger.Info("posted to slack", "seq", record.SequenceNumber, "key", key, "blocks", len(payload.Blocks.BlockSet))
	return nil
}

func (h *Handler) decode(msg *sarama.ConsumerMessage) (model.EmailRecord, error) {
	codec := h.opts.Codec
	if ct := broker.HeaderValue(msg, publish.HeaderContentType); ct != "" {
		c, err := envelope.ForContentType(ct)
		if err != nil {
			return model.EmailRecord{}, err
		}
		codec = c
	}
	return codec.Decode(msg.Value)
}

func (h *Handler) print(payload *slack.WebhookMessage) error {
	enc := json.NewEncoder(h.opts.Out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// recordKey is the producer's idempotency key, or the record position when
// the key is missing.
func recordKey(msg *sarama.ConsumerMessage) model.Key {
	if len(msg.Key) > 0 {
		return model.Key(msg.Key)
	}
	return model.Key(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))
}
