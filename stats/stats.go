package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

type Stage string

const (
	StageIMAP    Stage = "imap"
	StageMbox    Stage = "mbox"
	StagePublish Stage = "publish"
	StageDeliver Stage = "deliver"
)

type EventType string

const (
	EventTypeFetched       EventType = "fetched"
	EventTypeEnqueued      EventType = "enqueued"
	EventTypePublished     EventType = "published"
	EventTypeDryRun        EventType = "dry_run"
	EventTypeDelivered     EventType = "delivered"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeDecodeFailure EventType = "decode_failure"
	EventTypeDropped       EventType = "dropped"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Key    model.Key
	Err    error
	Detail string
}

type Summary struct {
	Fetched        int
	Enqueued       int
	Published      int
	DryRun         int
	Delivered      int
	Duplicates     int
	DecodeFailures int
	Dropped        int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"enqueued", s.Enqueued,
		"published", s.Published,
		"dryRun", s.DryRun,
		"delivered", s.Delivered,
		"duplicates", s.Duplicates,
		"decodeFailures", s.DecodeFailures,
		"dropped", s.Dropped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Add(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Add counts one event. It is safe to call from several goroutines.
func (c *Collector) Add(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypePublished:
		c.summary.Published++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeDecodeFailure:
		c.summary.DecodeFailures++
	case EventTypeDropped:
		c.summary.Dropped++
	case EventTypeError:
		c.summary.Errors++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrintTop writes the limit most frequent entries of m, highest first. Ties
// are ordered by key.
func PrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
