package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
)

// MessageHandler processes one record. Returning an error retries the
// record unless the error is marked with retry.Permanent.
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// ConsumerConfig holds the group membership and retry settings.
type ConsumerConfig struct {
	GroupID        string
	Topics         []string
	FromBeginning  bool
	AttemptTimeout time.Duration
	Retry          retry.Config
}

// Consumer runs a MessageHandler for every record of its consumer group.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
	logger  *slog.Logger
	cfg     ConsumerConfig

	ready chan struct{}
	once  sync.Once
}

// NewConsumer joins the consumer group described by cfg.
func NewConsumer(opts Options, cfg ConsumerConfig, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	sc, err := opts.saramaConfig()
	if err != nil {
		return nil, err
	}

	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromBeginning {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Group.Session.Timeout = 10 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.MaxProcessingTime = 2 * time.Minute
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second

	cg, err := sarama.NewConsumerGroup(opts.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return NewConsumerFrom(cg, cfg, handler, logger), nil
}

// NewConsumerFrom wraps an existing consumer group.
func NewConsumerFrom(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Consumer{
		group:   group,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first partition assignment has been received.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Run consumes until ctx is cancelled or the group is closed. Consume
// returns on every rebalance, so it is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer", "group", c.cfg.GroupID, "topics", c.cfg.Topics)

	go c.drainErrors(ctx)

	for {
		if err := c.group.Consume(ctx, c.cfg.Topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %v: %w", c.cfg.Topics, err)
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "err", err)
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	return nil
}

// Setup runs at the start of every session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.once.Do(func() { close(c.ready) })
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles one partition. A record is marked once it was handled
// or its retries were exhausted; a record interrupted by shutdown stays
// unmarked so the next member receives it again.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}

			err := c.handle(ctx, msg)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				c.logger.Error("record failed, skipping",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"key", string(msg.Key),
					"err", err)
			}
			session.MarkMessage(msg, "")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return retry.Do(ctx, c.cfg.Retry, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		err := c.handler(attemptCtx, msg)
		if err != nil && !retry.IsPermanent(err) {
			c.logger.Warn("record handling failed",
				"attempt", attempt,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"err", err)
		}
		return err
	})
}
