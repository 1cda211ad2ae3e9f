package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/config"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/runner"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/state"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

type sent struct {
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu        sync.Mutex
	failFirst map[string]bool
	attempts  map[string]int
	sent      []sent
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[key]++
	if f.failFirst[key] && f.attempts[key] == 1 {
		return errors.New("leader not available")
	}
	f.sent = append(f.sent, sent{key: key, value: value, headers: headers})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStage_PublishesAndAcks(t *testing.T) {
	dir := t.TempDir()
	logger := discardLogger()

	r, err := runner.New(context.Background(), config.ProduceConfig{Common: config.Common{StateDir: dir}}, logger)
	if err != nil {
		t.Fatalf("runner.New() error: %v", err)
	}
	reporter := stats.NewReporter(r, logger)

	good := model.IMAPKey("Tech News", 1, 10)
	flaky := model.IMAPKey("Tech News", 1, 11)
	dup := model.IMAPKey("Tech News", 1, 12)
	tooBig := model.IMAPKey("Tech News", 1, 13)
	if err := r.Tracker().Mark(dup, 3); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{failFirst: map[string]bool{string(flaky): true}, attempts: map[string]int{}}
	_, err = NewStage(Options{
		Topic: "technews",
		Codec: envelope.JSON{},
		Retry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, pub, r, logger)
	if err != nil {
		t.Fatalf("NewStage() error: %v", err)
	}

	envs := []model.Envelope{
		{Message: model.Message{Key: good, UID: 10, Record: model.EmailRecord{SequenceNumber: 1, Subject: "*A*", Body: "a"}}},
		{Message: model.Message{Key: flaky, UID: 11, Record: model.EmailRecord{SequenceNumber: 2, Subject: "*B*", Body: "b"}}},
		{Message: model.Message{Key: dup, UID: 12, Record: model.EmailRecord{SequenceNumber: 3, Subject: "*C*", Body: "c"}}},
		{Message: model.Message{Key: tooBig, UID: 13, Record: model.EmailRecord{SequenceNumber: math.MaxInt32 + 1, Subject: "*D*", Body: "d"}}},
		{Err: errors.New("fetch body failed")},
	}

	acks := map[model.Key]error{}
	onAck := func(ack model.Ack) { acks[ack.Key] = ack.Err }
	r.AddStage("source", func(ctx context.Context) error {
		for _, env := range envs {
			if err := r.Emit(ctx, env, onAck); err != nil {
				return err
			}
		}
		return r.FinishSource(ctx, onAck)
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if len(acks) != 4 {
		t.Fatalf("acks = %v, want 4", acks)
	}
	for _, key := range []model.Key{good, flaky, dup} {
		if err, ok := acks[key]; !ok || err != nil {
			t.Errorf("ack for %s = %v (present %v), want success", key, err, ok)
		}
	}
	var encErr *envelope.EncodeError
	if !errors.As(acks[tooBig], &encErr) {
		t.Errorf("ack for oversized seq = %v, want *EncodeError", acks[tooBig])
	}

	if len(pub.sent) != 2 {
		t.Fatalf("published %d records, want 2", len(pub.sent))
	}
	if pub.attempts[string(flaky)] != 2 {
		t.Errorf("flaky attempts = %d, want 2", pub.attempts[string(flaky)])
	}
	first := pub.sent[0]
	if first.headers[HeaderContentType] != "application/json" || first.headers[HeaderSequence] != "1" || first.headers[HeaderTraceID] == "" {
		t.Errorf("headers = %v", first.headers)
	}
	record, err := envelope.JSON{}.Decode(first.value)
	if err != nil || record.Subject != "*A*" {
		t.Errorf("published value decodes to %+v, %v", record, err)
	}

	summary := reporter.Summary()
	if summary.Fetched != 4 || summary.Published != 2 || summary.Duplicates != 1 || summary.Dropped != 1 || summary.Errors != 1 {
		t.Errorf("summary = %+v", summary)
	}

	reloaded, err := state.NewFileTracker(dir, state.PublishedFile, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Seen(good) || !reloaded.Seen(flaky) || reloaded.Seen(tooBig) {
		t.Errorf("persisted keys wrong: good=%v flaky=%v tooBig=%v", reloaded.Seen(good), reloaded.Seen(flaky), reloaded.Seen(tooBig))
	}
}

func TestStage_DryRunSkipsPublisher(t *testing.T) {
	logger := discardLogger()
	r, err := runner.New(context.Background(), config.ProduceConfig{Common: config.Common{StateDir: t.TempDir(), DryRun: true}}, logger)
	if err != nil {
		t.Fatal(err)
	}
	reporter := stats.NewReporter(r, logger)

	if _, err := NewStage(Options{Topic: "technews", Codec: envelope.Avro{}, DryRun: true}, nil, r, logger); err != nil {
		t.Fatalf("NewStage() error: %v", err)
	}

	var acked int
	onAck := func(model.Ack) { acked++ }
	r.AddStage("source", func(ctx context.Context) error {
		env := model.Envelope{Message: model.Message{Key: model.ArchiveKey("x"), Record: model.EmailRecord{SequenceNumber: 1}}}
		if err := r.Emit(ctx, env, onAck); err != nil {
			return err
		}
		return r.FinishSource(ctx, onAck)
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if acked != 1 || reporter.Summary().DryRun != 1 {
		t.Fatalf("acked = %d, summary = %+v", acked, reporter.Summary())
	}
}

func TestNewStage_Validation(t *testing.T) {
	r, err := runner.New(context.Background(), config.ProduceConfig{Common: config.Common{StateDir: t.TempDir()}}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewStage(Options{Codec: envelope.Avro{}}, &fakePublisher{}, r, nil); err == nil {
		t.Error("NewStage() accepted an empty topic")
	}
	if _, err := NewStage(Options{Topic: "technews", Codec: envelope.Avro{}}, nil, r, nil); err == nil {
		t.Error("NewStage() accepted a nil publisher outside dry run")
	}
}
