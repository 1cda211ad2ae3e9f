package blocks

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

type wirePayload struct {
	Blocks []struct {
		Type string `json:"type"`
		Text struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"text"`
	} `json:"blocks"`
}

func decodePayload(t *testing.T, record model.EmailRecord, maxLen int) wirePayload {
	t.Helper()
	data, err := json.Marshal(Payload(record, maxLen))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var p wirePayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p
}

func TestPayload(t *testing.T) {
	record := model.EmailRecord{
		SequenceNumber: 7,
		Subject:        "*TLDR AI*",
		Body:           "Big News\nhttps://example.com/a\nPlain line",
	}

	p := decodePayload(t, record, DefaultMaxLen)
	if len(p.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(p.Blocks))
	}
	for _, b := range p.Blocks {
		if b.Type != "section" || b.Text.Type != "mrkdwn" {
			t.Errorf("block type = %s/%s, want section/mrkdwn", b.Type, b.Text.Type)
		}
	}
	if got, want := p.Blocks[0].Text.Text, "*Subject:* *TLDR AI*\n*Body:*"; got != want {
		t.Errorf("header = %q, want %q", got, want)
	}
	if got, want := p.Blocks[1].Text.Text, "<https://example.com/a|Big News>\nPlain line"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestPayload_ChunksInOrder(t *testing.T) {
	body := "first\nsecond\nthird"
	p := decodePayload(t, model.EmailRecord{Subject: "*S*", Body: body}, 6)

	var got []string
	for _, b := range p.Blocks[1:] {
		got = append(got, b.Text.Text)
	}
	if strings.Join(got, "|") != "first|second|third" {
		t.Fatalf("body blocks = %q", got)
	}
}

func TestPayload_TruncatesOversizedSection(t *testing.T) {
	body := strings.Repeat("x", SectionLimit+50)
	p := decodePayload(t, model.EmailRecord{Subject: "*S*", Body: body}, DefaultMaxLen)
	if n := len(p.Blocks[1].Text.Text); n != SectionLimit {
		t.Fatalf("section length = %d, want %d", n, SectionLimit)
	}
}

func TestPayload_EmptyBody(t *testing.T) {
	p := decodePayload(t, model.EmailRecord{Subject: model.NoSubject}, DefaultMaxLen)
	if len(p.Blocks) != 1 {
		t.Fatalf("got %d blocks, want only the subject block", len(p.Blocks))
	}
}
