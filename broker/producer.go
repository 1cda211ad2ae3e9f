package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Producer publishes records synchronously and returns once the broker has
// acknowledged them on all in-sync replicas.
type Producer struct {
	sync   sarama.SyncProducer
	logger *slog.Logger
}

// NewProducer dials the cluster with an idempotent, acks=all configuration.
func NewProducer(opts Options, logger *slog.Logger) (*Producer, error) {
	sc, err := opts.saramaConfig()
	if err != nil {
		return nil, err
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Compression = sarama.CompressionSnappy

	sp, err := sarama.NewSyncProducer(opts.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create sync producer: %w", err)
	}
	return NewProducerFrom(sp, logger), nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(sp sarama.SyncProducer, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{sync: sp, logger: logger}
}

// Publish sends one record. A cancelled context prevents the send; a send
// that has started runs to completion.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: topic %s key %s: %w", ErrPublish, topic, key, err)
	}

	p.logger.Debug("record published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}
