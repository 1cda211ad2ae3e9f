package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/state"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

var ErrKeyMissing = errors.New("message has no idempotency key")

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

// Runner wires the producer pipeline: a source stage feeds envelopes to the
// bridge, the bridge drops already published keys and hands the rest to the
// publish stage, and publish results flow back to the source as acks.
type Runner struct {
	cfg    config.ProduceConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	outbound chan model.Message
	acks     chan model.Ack

	subsMu sync.RWMutex
	subs   []chan stats.Event

	tracker *state.FileTracker
	stages  []stage

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMessagesOnce sync.Once
	closeOutboundOnce sync.Once
	closeAcksOnce     sync.Once
	// ackSenders counts the bridge and the publish stage; acks is closed
	// once both are done sending.
	ackSenders sync.WaitGroup
	closeEventsOnce   sync.Once
	since             time.Time
}

// New creates a runner whose stages stop when parent is cancelled.
func New(parent context.Context, cfg config.ProduceConfig, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(parent)

	tracker, err := state.NewFileTracker(cfg.StateDir, state.PublishedFile, !cfg.DryRun)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		outbound: make(chan model.Message, 32),
		acks:     make(chan model.Ack, 32),
		tracker:  tracker,
	}

	r.ackSenders.Add(2)
	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.ProduceConfig {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Emit hands env to the bridge. While waiting it passes incoming acks to
// onAck so the publish side never blocks on a busy source.
func (r *Runner) Emit(ctx context.Context, env model.Envelope, onAck func(model.Ack)) error {
	acks := (<-chan model.Ack)(r.acks)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.messages <- env:
			return nil
		case ack, ok := <-acks:
			if !ok {
				acks = nil
				continue
			}
			onAck(ack)
		}
	}
}

// FinishSource closes the source side and passes acks to onAck until every
// emitted message has been answered.
func (r *Runner) FinishSource(ctx context.Context, onAck func(model.Ack)) error {
	r.closeMessages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack, ok := <-r.acks:
			if !ok {
				return nil
			}
			onAck(ack)
		}
	}
}

func (r *Runner) Outbound() <-chan model.Message {
	return r.outbound
}

// Ack reports the outcome of a message back to its source.
func (r *Runner) Ack(ctx context.Context, ack model.Ack) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.acks <- ack:
		return nil
	}
}

// CloseAcks is called by the publish stage when it stops sending acks. The
// channel itself is closed after the bridge has exited as well, since the
// bridge acks duplicates.
func (r *Runner) CloseAcks() {
	r.closeAcksOnce.Do(r.ackSenders.Done)
}

func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. Subscriptions must be
// made before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// AddStage registers a stage; stages run when Start is called.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs every stage and blocks until all of them have returned.
func (r *Runner) Start() error {
	r.since = time.Now()

	go func() {
		r.ackSenders.Wait()
		close(r.acks)
	}()

	for _, s := range r.stages {
		r.workWG.Add(1)
		go func(s stage) {
			defer r.workWG.Done()
			if err := s.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			}
		}(s)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	interrupted := r.ctx.Err() != nil
	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(err)
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	switch {
	case err != nil:
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	case interrupted:
		r.logger.Info("pipeline interrupted", "duration", duration)
	default:
		r.logger.Info("pipeline completed", "duration", duration)
	}
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.ackSenders.Done()
	defer r.closeOutbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			msg := envelope.Message
			if envelope.Err != nil {
				r.logger.Warn("skipping message", "key", msg.Key, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: r.sourceStage(), Type: stats.EventTypeError, Key: msg.Key, Err: envelope.Err})
				continue
			}

			r.EmitEvent(stats.Event{Stage: r.sourceStage(), Type: stats.EventTypeFetched, Key: msg.Key})

			if msg.Key == "" {
				r.EmitEvent(stats.Event{Stage: r.sourceStage(), Type: stats.EventTypeError, Err: ErrKeyMissing})
				continue
			}

			if r.tracker.Seen(msg.Key) {
				r.EmitEvent(stats.Event{Stage: r.sourceStage(), Type: stats.EventTypeDuplicate, Key: msg.Key})
				if err := r.Ack(ctx, model.Ack{Key: msg.Key, UID: msg.UID}); err != nil {
					return err
				}
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.outbound <- msg:
				r.EmitEvent(stats.Event{Stage: r.sourceStage(), Type: stats.EventTypeEnqueued, Key: msg.Key})
			}
		}
	}
}

func (r *Runner) sourceStage() stats.Stage {
	if r.cfg.MboxPath != "" {
		return stats.StageMbox
	}
	return stats.StageIMAP
}

func (r *Runner) closeMessages() {
	r.closeMessagesOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) closeOutbound() {
	r.closeOutboundOnce.Do(func() {
		close(r.outbound)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subs {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
