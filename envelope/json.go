package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

// JSON is the text codec. Decoding is strict: unknown, missing or mistyped
// fields and trailing data are errors.
type JSON struct{}

func (JSON) Name() string        { return FormatJSON }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Encode(record model.EmailRecord) ([]byte, error) {
	w, err := toWire(record)
	if err != nil {
		return nil, &EncodeError{Format: FormatJSON, Err: err}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, &EncodeError{Format: FormatJSON, Err: err}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type jsonFields struct {
	Seqno   *int64  `json:"seqno"`
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

func (JSON) Decode(data []byte) (model.EmailRecord, error) {
	fail := func(err error) (model.EmailRecord, error) {
		return model.EmailRecord{}, &DecodeError{Format: FormatJSON, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f jsonFields
	if err := dec.Decode(&f); err != nil {
		return fail(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail(ErrTrailingData)
	}

	switch {
	case f.Seqno == nil:
		return fail(fmt.Errorf("%w: seqno", ErrMissingField))
	case f.Subject == nil:
		return fail(fmt.Errorf("%w: subject", ErrMissingField))
	case f.Body == nil:
		return fail(fmt.Errorf("%w: body", ErrMissingField))
	}
	if *f.Seqno < math.MinInt32 || *f.Seqno > math.MaxInt32 {
		return fail(fmt.Errorf("%w: %d", ErrSequenceOutOfRange, *f.Seqno))
	}
	if err := checkText(*f.Subject, *f.Body); err != nil {
		return fail(err)
	}

	return model.EmailRecord{SequenceNumber: *f.Seqno, Subject: *f.Subject, Body: *f.Body}, nil
}
