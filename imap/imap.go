// Package imap reads unread newsletters from a mailbox and feeds them into
// the producer pipeline.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/filter"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/normalize"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/runner"
	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

const defaultMailbox = "Tech News"

var (
	ErrHostMissing = errors.New("imap host is empty")
	ErrPortInvalid = errors.New("imap port must be positive")
)

var (
	// The whole header is fetched so header filters can match From, To
	// and List-Id as well as the fields the record is built from.
	headerSection = &imapv2.FetchItemBodySection{
		Specifier: imapv2.PartSpecifierHeader,
		Peek:      true,
	}
	textSection = &imapv2.FetchItemBodySection{
		Specifier: imapv2.PartSpecifierText,
		Peek:      true,
	}
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Since              time.Time
	DryRun             bool
}

// Source fetches every unread message received since Options.Since, emits
// one record per message and flags a message \Seen once its record has
// been published.
type Source struct {
	opts       Options
	runner     *runner.Runner
	normalizer *normalize.Normalizer
	filter     *filter.Filter
	logger     *slog.Logger
}

func NewSource(opts Options, normalizer *normalize.Normalizer, f *filter.Filter, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, ErrHostMissing
	}
	if opts.Port <= 0 {
		return nil, ErrPortInvalid
	}
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{opts: opts, runner: r, normalizer: normalizer, filter: f, logger: logger}
	r.AddStage("imap", s.run)
	return s, nil
}

func (s *Source) run(ctx context.Context) error {
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}
	defer cleanup()

	mailbox := s.mailbox()
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: s.opts.DryRun}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}

	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	if !s.opts.Since.IsZero() {
		criteria.Since = s.opts.Since
	}
	found, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search %s: %w", mailbox, err)
	}

	uids := found.AllUIDs()
	s.logger.Info("unread newsletters", "mailbox", mailbox, "count", len(uids), "since", s.opts.Since.Format("2006-01-02"))

	onAck := func(ack model.Ack) { s.markSeen(client, ack) }
	if len(uids) == 0 {
		return s.runner.FinishSource(ctx, onAck)
	}

	fetchOpts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{headerSection, textSection},
	}
	buffers, err := client.Fetch(imapv2.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("fetch %d messages: %w", len(uids), err)
	}
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].SeqNum < buffers[j].SeqNum })

	for _, buf := range buffers {
		msg, ok := s.prepare(mailbox, selected.UIDValidity, buf)
		if !ok {
			continue
		}
		s.logger.Debug("fetched", "seq", msg.Record.SequenceNumber, "key", msg.Key, "subject", msg.Record.Subject)
		if err := s.runner.Emit(ctx, model.Envelope{Message: msg}, onAck); err != nil {
			return err
		}
	}

	return s.runner.FinishSource(ctx, onAck)
}

// fetchedMessage is the part of a FETCH response a record is built from.
type fetchedMessage struct {
	SeqNum uint32
	UID    uint32
	Header []byte
	Text   []byte
}

// prepare applies the filter to one fetched message and builds its record.
// It reports false when the filter drops the message.
func (s *Source) prepare(mailbox string, uidValidity uint32, buf *imapclient.FetchMessageBuffer) (model.Message, bool) {
	fm := fetchedMessage{
		SeqNum: buf.SeqNum,
		UID:    uint32(buf.UID),
		Header: sectionBytes(buf, imapv2.PartSpecifierHeader),
		Text:   sectionBytes(buf, imapv2.PartSpecifierText),
	}
	if s.filter != nil && !s.filter.Allows(fm.Header, fm.Text) {
		s.logger.Debug("filtered out", "uid", fm.UID)
		return model.Message{}, false
	}
	return buildMessage(mailbox, uidValidity, fm, s.normalizer), true
}

func sectionBytes(buf *imapclient.FetchMessageBuffer, specifier imapv2.PartSpecifier) []byte {
	for _, section := range buf.BodySection {
		if section.Section != nil && section.Section.Specifier == specifier {
			return section.Bytes
		}
	}
	return nil
}

func buildMessage(mailbox string, uidValidity uint32, fm fetchedMessage, n *normalize.Normalizer) model.Message {
	header := normalize.ParseHeader(fm.Header)
	return model.Message{
		Key: model.IMAPKey(mailbox, uidValidity, fm.UID),
		UID: fm.UID,
		Record: model.EmailRecord{
			SequenceNumber: int64(fm.SeqNum),
			Subject:        header.FormattedSubject(),
			Body:           n.Normalize(header.Part(fm.Text)),
		},
	}
}

func (s *Source) markSeen(client *imapclient.Client, ack model.Ack) {
	if ack.Err != nil {
		s.logger.Warn("leaving message unread", "uid", ack.UID, "key", ack.Key, "err", ack.Err)
		return
	}
	if s.opts.DryRun || ack.UID == 0 {
		return
	}

	flags := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}
	if err := client.Store(imapv2.UIDSetNum(imapv2.UID(ack.UID)), flags, nil).Close(); err != nil {
		s.logger.Warn("flag seen failed", "uid", ack.UID, "err", err)
		s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Key: ack.Key, Err: err})
		return
	}
	s.logger.Debug("flagged seen", "uid", ack.UID)
}

func (s *Source) mailbox() string {
	if s.opts.Mailbox == "" {
		return defaultMailbox
	}
	return s.opts.Mailbox
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "mailbox", s.mailbox(), "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}
