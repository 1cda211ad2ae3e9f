// Package envelope serializes EmailRecords for the broker. Every codec uses
// the same fixed three-field schema (seqno int32, subject string, body
// string) and rejects anything that does not conform to it.
package envelope

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

const (
	FormatAvro = "avro"
	FormatJSON = "json"
)

// MaxFieldBytes bounds the encoded size of subject and body in every format.
const MaxFieldBytes = 8 << 20

var (
	ErrUnknownFormat      = errors.New("unknown envelope format")
	ErrSequenceOutOfRange = errors.New("sequence number does not fit in int32")
	ErrInvalidText        = errors.New("field is not valid UTF-8 text")
	ErrTrailingData       = errors.New("trailing or non-canonical bytes")
	ErrMissingField       = errors.New("required field missing")
	ErrFieldTooLarge      = errors.New("field exceeds size limit")
)

// EncodeError reports a record that cannot be represented in the schema.
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s envelope: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports bytes that do not conform to the schema.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s envelope: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec converts records to and from one wire format.
type Codec interface {
	Name() string
	ContentType() string
	Encode(record model.EmailRecord) ([]byte, error)
	Decode(data []byte) (model.EmailRecord, error)
}

// ForFormat returns the codec registered under a format name.
func ForFormat(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FormatAvro:
		return Avro{}, nil
	case FormatJSON:
		return JSON{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// ForContentType returns the codec producing the given content type.
func ForContentType(contentType string) (Codec, error) {
	for _, c := range []Codec{Avro{}, JSON{}} {
		if strings.EqualFold(c.ContentType(), strings.TrimSpace(contentType)) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: content type %q", ErrUnknownFormat, contentType)
}

// wireRecord mirrors the schema field for field.
type wireRecord struct {
	Seqno   int32  `avro:"seqno" json:"seqno"`
	Subject string `avro:"subject" json:"subject"`
	Body    string `avro:"body" json:"body"`
}

func toWire(record model.EmailRecord) (wireRecord, error) {
	if record.SequenceNumber < math.MinInt32 || record.SequenceNumber > math.MaxInt32 {
		return wireRecord{}, fmt.Errorf("%w: %d", ErrSequenceOutOfRange, record.SequenceNumber)
	}
	if err := checkText(record.Subject, record.Body); err != nil {
		return wireRecord{}, err
	}
	return wireRecord{
		Seqno:   int32(record.SequenceNumber),
		Subject: record.Subject,
		Body:    record.Body,
	}, nil
}

func (w wireRecord) record() model.EmailRecord {
	return model.EmailRecord{
		SequenceNumber: int64(w.Seqno),
		Subject:        w.Subject,
		Body:           w.Body,
	}
}

func checkText(subject, body string) error {
	if len(subject) > MaxFieldBytes {
		return fmt.Errorf("%w: subject is %d bytes", ErrFieldTooLarge, len(subject))
	}
	if len(body) > MaxFieldBytes {
		return fmt.Errorf("%w: body is %d bytes", ErrFieldTooLarge, len(body))
	}
	if !utf8.ValidString(subject) {
		return fmt.Errorf("%w: subject", ErrInvalidText)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body", ErrInvalidText)
	}
	return nil
}
