package envelope

import (
	"bytes"

	"github.com/hamba/avro/v2"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

// Schema is the Avro schema of the record. The field is named seqno to stay
// readable by existing producers of the topic.
const Schema = `{
  "type": "record",
  "name": "EmailRecord",
  "fields": [
    {"name": "seqno", "type": "int"},
    {"name": "subject", "type": "string"},
    {"name": "body", "type": "string"}
  ]
}`

var recordSchema = avro.MustParse(Schema)

// avroAPI reads strings up to the same limit toWire enforces on encode.
var avroAPI = avro.Config{MaxByteSliceSize: MaxFieldBytes}.Freeze()

// Avro is the binary codec.
type Avro struct{}

func (Avro) Name() string        { return FormatAvro }
func (Avro) ContentType() string { return "avro/binary" }

func (Avro) Encode(record model.EmailRecord) ([]byte, error) {
	w, err := toWire(record)
	if err != nil {
		return nil, &EncodeError{Format: FormatAvro, Err: err}
	}
	data, err := avroAPI.Marshal(recordSchema, w)
	if err != nil {
		return nil, &EncodeError{Format: FormatAvro, Err: err}
	}
	return data, nil
}

// Decode accepts only the exact canonical encoding of one record, so
// truncated buffers, trailing garbage and invalid text are all rejected.
func (Avro) Decode(data []byte) (model.EmailRecord, error) {
	var w wireRecord
	if err := avroAPI.Unmarshal(recordSchema, data, &w); err != nil {
		return model.EmailRecord{}, &DecodeError{Format: FormatAvro, Err: err}
	}
	canonical, err := avroAPI.Marshal(recordSchema, w)
	if err != nil || !bytes.Equal(canonical, data) {
		return model.EmailRecord{}, &DecodeError{Format: FormatAvro, Err: ErrTrailingData}
	}
	if err := checkText(w.Subject, w.Body); err != nil {
		return model.EmailRecord{}, &DecodeError{Format: FormatAvro, Err: err}
	}
	return w.record(), nil
}
