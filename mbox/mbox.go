// Package mbox replays exported mailbox archives through the producer
// pipeline and lets the preview command iterate over them.
package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/filter"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/normalize"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/runner"
)

var ErrPathMissing = errors.New("mbox path is empty")

// Entry is one archived message. Position starts at 1.
type Entry struct {
	Position int
	Raw      []byte
	Header   []byte
	Body     []byte
}

// Record builds the record the producer would publish for e.
func (e Entry) Record(n *normalize.Normalizer) model.EmailRecord {
	header := normalize.ParseHeader(e.Header)
	return model.EmailRecord{
		SequenceNumber: int64(e.Position),
		Subject:        header.FormattedSubject(),
		Body:           n.Normalize(header.Part(e.Body)),
	}
}

// Key is the idempotency key of e, derived from its raw bytes.
func (e Entry) Key() model.Key {
	sum := sha256.Sum256(e.Raw)
	return model.ArchiveKey(hex.EncodeToString(sum[:]))
}

// Read opens an mbox file and calls fn for each message in order. It stops
// at the first error returned by fn.
func Read(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for position := 1; ; position++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", position, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", position, err)
		}

		header, body := filter.SplitRawMessage(raw)
		if err := fn(Entry{Position: position, Raw: raw, Header: header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}

type Options struct {
	Path string
}

// Source is the producer stage that replays an archive.
type Source struct {
	path       string
	runner     *runner.Runner
	normalizer *normalize.Normalizer
	filter     *filter.Filter
	logger     *slog.Logger
}

func NewSource(opts Options, normalizer *normalize.Normalizer, f *filter.Filter, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrPathMissing
	}
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, runner: r, normalizer: normalizer, filter: f, logger: logger}
	r.AddStage("mbox", s.run)
	return s, nil
}

func (s *Source) run(ctx context.Context) error {
	onAck := func(ack model.Ack) {
		if ack.Err != nil {
			s.logger.Warn("archive message not published", "key", ack.Key, "err", ack.Err)
		}
	}

	err := Read(s.path, func(e Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.filter != nil && !s.filter.Allows(e.Header, e.Body) {
			return nil
		}
		msg := model.Message{Key: e.Key(), Record: e.Record(s.normalizer)}
		return s.runner.Emit(ctx, model.Envelope{Message: msg}, onAck)
	})
	if err != nil && ctx.Err() == nil {
		// A damaged archive cannot be resynchronised; report it and publish
		// what was already read.
		s.logger.Error("mbox stream error", "path", s.path, "err", err)
		if emitErr := s.runner.Emit(ctx, model.Envelope{Err: err}, onAck); emitErr != nil {
			return emitErr
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return s.runner.FinishSource(ctx, onAck)
}
