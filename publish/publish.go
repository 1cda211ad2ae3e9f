// Package publish is the pipeline stage that encodes records and hands them
// to the broker.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/runner"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

// Record header names.
const (
	HeaderContentType = "content-type"
	HeaderTraceID     = "trace-id"
	HeaderSequence    = "sequence-number"
)

// Publisher sends one encoded record.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type Options struct {
	Topic  string
	Codec  envelope.Codec
	Retry  retry.Config
	DryRun bool
}

type Stage struct {
	opts      Options
	runner    *runner.Runner
	publisher Publisher
	logger    *slog.Logger
}

// NewStage registers the publish stage on r. publisher may be nil in dry runs.
func NewStage(opts Options, publisher Publisher, r *runner.Runner, logger *slog.Logger) (*Stage, error) {
	if opts.Topic == "" {
		return nil, errors.New("publish topic is empty")
	}
	if opts.Codec == nil {
		return nil, errors.New("publish codec is nil")
	}
	if publisher == nil && !opts.DryRun {
		return nil, errors.New("publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stage{opts: opts, runner: r, publisher: publisher, logger: logger}
	r.AddStage("publish", s.run)
	return s, nil
}

func (s *Stage) run(ctx context.Context) error {
	defer s.runner.CloseAcks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.runner.Outbound():
			if !ok {
				return nil
			}
			err := s.publish(ctx, msg)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.runner.Ack(ctx, model.Ack{Key: msg.Key, UID: msg.UID, Err: err}); err != nil {
				return err
			}
		}
	}
}

// publish never fails the stage: encode and transport failures are logged,
// counted and returned so the source leaves the message unread.
func (s *Stage) publish(ctx context.Context, msg model.Message) error {
	seq := msg.Record.SequenceNumber

	value, err := s.opts.Codec.Encode(msg.Record)
	if err != nil {
		s.logger.Error("record violates schema, dropped", "seq", seq, "key", msg.Key, "err", err)
		s.runner.EmitEvent(stats.Event{Stage: stats.StagePublish, Type: stats.EventTypeDropped, Key: msg.Key, Err: err})
		return err
	}

	if s.opts.DryRun {
		if err := s.runner.Tracker().Mark(msg.Key, seq); err != nil {
			s.logger.Warn("state tracker", "key", msg.Key, "err", err)
		}
		s.runner.EmitEvent(stats.Event{Stage: stats.StagePublish, Type: stats.EventTypeDryRun, Key: msg.Key})
		s.logger.Debug("dry-run publish", "seq", seq, "key", msg.Key, "topic", s.opts.Topic, "bytes", len(value))
		return nil
	}

	headers := map[string]string{
		HeaderContentType: s.opts.Codec.ContentType(),
		HeaderTraceID:     uuid.NewString(),
		HeaderSequence:    strconv.FormatInt(seq, 10),
	}

	err = retry.Do(ctx, s.opts.Retry, func(attempt int) error {
		err := s.publisher.Publish(ctx, s.opts.Topic, string(msg.Key), value, headers)
		if err != nil {
			s.logger.Warn("publish attempt failed", "seq", seq, "key", msg.Key, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		err = fmt.Errorf("publish seq %d: %w", seq, err)
		s.logger.Error("publish failed", "seq", seq, "key", msg.Key, "err", err)
		s.runner.EmitEvent(stats.Event{Stage: stats.StagePublish, Type: stats.EventTypeError, Key: msg.Key, Err: err})
		return err
	}

	if err := s.runner.Tracker().Mark(msg.Key, seq); err != nil {
		s.logger.Warn("state tracker", "key", msg.Key, "err", err)
	}
	s.runner.EmitEvent(stats.Event{Stage: stats.StagePublish, Type: stats.EventTypePublished, Key: msg.Key})
	s.logger.Info("published", "seq", seq, "key", msg.Key, "subject", msg.Record.Subject, "trace", headers[HeaderTraceID])
	return nil
}
