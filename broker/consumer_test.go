package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/retry"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, off := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: "technews", Offset: off, Key: []byte("k")}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func testConsumer(handler MessageHandler) *Consumer {
	return NewConsumerFrom(nil, ConsumerConfig{
		GroupID: "news-consumer-group",
		Topics:  []string{"technews"},
		Retry:   retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, handler, nil)
}

func TestConsumeClaim_MarksHandledRecords(t *testing.T) {
	var seen []int64
	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		seen = append(seen, msg.Offset)
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, newClaim(1, 2, 3)); err != nil {
		t.Fatalf("ConsumeClaim() error: %v", err)
	}
	if len(seen) != 3 || len(session.marked) != 3 {
		t.Fatalf("seen = %v, marked = %v; want 3 each", seen, session.marked)
	}
}

func TestConsumeClaim_RetriesThenMarks(t *testing.T) {
	attempts := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		return errors.New("webhook down")
	})

	session := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, newClaim(7)); err != nil {
		t.Fatalf("ConsumeClaim() error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(session.marked) != 1 || session.marked[0] != 7 {
		t.Errorf("marked = %v, want [7]", session.marked)
	}
}

func TestConsumeClaim_PermanentErrorNotRetried(t *testing.T) {
	attempts := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		return retry.Permanent(errors.New("rejected"))
	})

	session := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, newClaim(1)); err != nil {
		t.Fatalf("ConsumeClaim() error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(session.marked) != 1 {
		t.Errorf("marked = %v, want one record", session.marked)
	}
}

func TestConsumeClaim_ShutdownLeavesRecordUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("interrupted")
	})

	session := &fakeSession{ctx: ctx}
	if err := c.ConsumeClaim(session, newClaim(1, 2)); err != nil {
		t.Fatalf("ConsumeClaim() error: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("marked = %v, want none", session.marked)
	}
}

func TestSetup_ClosesReadyOnce(t *testing.T) {
	c := testConsumer(nil)
	for i := 0; i < 2; i++ {
		if err := c.Setup(nil); err != nil {
			t.Fatalf("Setup() error: %v", err)
		}
	}
	select {
	case <-c.Ready():
	default:
		t.Fatal("Ready() not closed after Setup")
	}
}

func TestHeaderValue(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte("content-type"), Value: []byte("application/json")},
		nil,
	}}
	if got := HeaderValue(msg, "content-type"); got != "application/json" {
		t.Errorf("HeaderValue(content-type) = %q", got)
	}
	if got := HeaderValue(msg, "trace-id"); got != "" {
		t.Errorf("HeaderValue(trace-id) = %q, want empty", got)
	}
}
