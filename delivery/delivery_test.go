package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/slack-go/slack"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/envelope"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/publish"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/state"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []*slack.WebhookMessage
	err   error
}

func (p *fakePoster) Post(_ context.Context, msg *slack.WebhookMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.posts = append(p.posts, msg)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(t *testing.T, codec envelope.Codec, key string, rec model.EmailRecord, withHeader bool) *sarama.ConsumerMessage {
	t.Helper()
	value, err := codec.Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	msg := &sarama.ConsumerMessage{Topic: "technews", Key: []byte(key), Value: value, Offset: 7}
	if withHeader {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(publish.HeaderContentType), Value: []byte(codec.ContentType())}}
	}
	return msg
}

func TestHandle_PostsPayload(t *testing.T) {
	poster := &fakePoster{}
	tracker := state.NewMemoryTracker()
	collector := stats.NewCollector()
	h, err := New(Options{Codec: envelope.Avro{}}, poster, tracker, collector, discard())
	if err != nil {
		t.Fatal(err)
	}

	rec := model.EmailRecord{SequenceNumber: 3, Subject: "*TLDR*", Body: "Big News\nhttps://example.com/a"}
	msg := record(t, envelope.JSON{}, "Tech News/1/3", rec, true)

	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("posted %d payloads, want 1", len(poster.posts))
	}
	if got := len(poster.posts[0].Blocks.BlockSet); got != 2 {
		t.Errorf("payload has %d blocks, want 2", got)
	}
	if !tracker.Seen("Tech News/1/3") {
		t.Error("delivered key not marked")
	}
	if s := collector.Snapshot(); s.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", s.Delivered)
	}

	// Redelivery of the same record is skipped.
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() duplicate error = %v", err)
	}
	if len(poster.posts) != 1 {
		t.Errorf("duplicate was posted again")
	}
	if s := collector.Snapshot(); s.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", s.Duplicates)
	}
}

func TestHandle_FallbackCodec(t *testing.T) {
	poster := &fakePoster{}
	h, err := New(Options{Codec: envelope.JSON{}}, poster, nil, nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	msg := record(t, envelope.JSON{}, "k", model.EmailRecord{SequenceNumber: 1, Subject: "s", Body: "b"}, false)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("posted %d payloads, want 1", len(poster.posts))
	}
}

func TestHandle_DropsUndecodable(t *testing.T) {
	tests := []struct {
		name string
		msg  *sarama.ConsumerMessage
	}{
		{
			name: "garbage avro",
			msg:  &sarama.ConsumerMessage{Key: []byte("k1"), Value: []byte{0xff, 0xff, 0xff}},
		},
		{
			name: "unknown content type",
			msg: &sarama.ConsumerMessage{
				Key:     []byte("k2"),
				Value:   []byte(`{}`),
				Headers: []*sarama.RecordHeader{{Key: []byte(publish.HeaderContentType), Value: []byte("text/xml")}},
			},
		},
		{
			name: "json with extra field",
			msg: &sarama.ConsumerMessage{
				Key:     []byte("k3"),
				Value:   []byte(`{"seqno":1,"subject":"s","body":"b","x":1}`),
				Headers: []*sarama.RecordHeader{{Key: []byte(publish.HeaderContentType), Value: []byte("application/json")}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poster := &fakePoster{}
			collector := stats.NewCollector()
			h, err := New(Options{}, poster, nil, collector, discard())
			if err != nil {
				t.Fatal(err)
			}
			if err := h.Handle(context.Background(), tt.msg); err != nil {
				t.Fatalf("Handle() error = %v, want nil", err)
			}
			if len(poster.posts) != 0 {
				t.Error("undecodable record was posted")
			}
			if s := collector.Snapshot(); s.DecodeFailures != 1 {
				t.Errorf("DecodeFailures = %d, want 1", s.DecodeFailures)
			}
		})
	}
}

func TestHandle_PostFailureIsPermanent(t *testing.T) {
	poster := &fakePoster{err: errors.New("webhook down")}
	tracker := state.NewMemoryTracker()
	collector := stats.NewCollector()
	h, err := New(Options{}, poster, tracker, collector, discard())
	if err != nil {
		t.Fatal(err)
	}

	msg := record(t, envelope.Avro{}, "k", model.EmailRecord{SequenceNumber: 1, Subject: "s", Body: "b"}, true)
	err = h.Handle(context.Background(), msg)
	if !retry.IsPermanent(err) {
		t.Fatalf("Handle() error = %v, want permanent", err)
	}
	if tracker.Seen("k") {
		t.Error("failed delivery was marked")
	}
	if s := collector.Snapshot(); s.Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Errors)
	}
}

func TestHandle_DryRunPrints(t *testing.T) {
	var out bytes.Buffer
	collector := stats.NewCollector()
	h, err := New(Options{DryRun: true, Out: &out}, nil, nil, collector, discard())
	if err != nil {
		t.Fatal(err)
	}

	msg := record(t, envelope.Avro{}, "k", model.EmailRecord{SequenceNumber: 1, Subject: "*Hello*", Body: "body"}, true)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(out.String(), `"blocks"`) || !strings.Contains(out.String(), "*Subject:* *Hello*") {
		t.Errorf("dry run output = %s", out.String())
	}
	if s := collector.Snapshot(); s.DryRun != 1 {
		t.Errorf("DryRun = %d, want 1", s.DryRun)
	}
}

func TestNew_RequiresPoster(t *testing.T) {
	if _, err := New(Options{}, nil, nil, nil, nil); !errors.Is(err, ErrNoPoster) {
		t.Fatalf("New() error = %v, want ErrNoPoster", err)
	}
}

func TestRecordKey(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "technews", Partition: 2, Offset: 40}
	if got := recordKey(msg); got != "technews/2/40" {
		t.Errorf("recordKey() = %q", got)
	}
}
