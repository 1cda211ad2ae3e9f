package normalize

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

// Header holds the fields of a message header the pipeline cares about.
type Header struct {
	Subject          string
	MediaType        string
	TransferEncoding string
	Charset          string
}

// ParseHeader reads a raw header block such as the one returned for
// BODY[HEADER.FIELDS (SUBJECT CONTENT-TYPE CONTENT-TRANSFER-ENCODING)].
// Unparseable input yields an empty Header.
func ParseHeader(raw []byte) Header {
	raw = bytes.TrimRight(raw, "\r\n")
	raw = append(raw[:len(raw):len(raw)], "\r\n\r\n"...)

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Header{}
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	subject, err := mh.Subject()
	if err != nil {
		subject = mh.Get("Subject")
	}

	var out Header
	out.Subject = strings.TrimSpace(subject)
	out.TransferEncoding = strings.ToLower(strings.TrimSpace(mh.Get("Content-Transfer-Encoding")))
	if mediaType, params, err := mh.ContentType(); err == nil {
		out.MediaType = mediaType
		out.Charset = params["charset"]
	}
	return out
}

// FormattedSubject formats the subject for Slack, bolded, with a placeholder when absent.
func (h Header) FormattedSubject() string {
	if h.Subject == "" {
		return model.NoSubject
	}
	return "*" + h.Subject + "*"
}

// Part pairs body bytes with the encoding they should be decoded with.
// Multipart bodies carry their own per-part headers, so the whole body is
// treated as quoted-printable UTF-8.
func (h Header) Part(body []byte) Part {
	if strings.HasPrefix(h.MediaType, "multipart/") {
		return Part{Body: body, TransferEncoding: defaultTransferEncoding}
	}
	return Part{Body: body, TransferEncoding: h.TransferEncoding, Charset: h.Charset}
}

// Subject extracts the formatted subject from a raw header block.
func Subject(raw []byte) string {
	return ParseHeader(raw).FormattedSubject()
}
