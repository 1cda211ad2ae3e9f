package normalize

import (
	"testing"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

func TestParseHeader(t *testing.T) {
	raw := []byte("Subject: =?UTF-8?Q?TLDR_AI_Today?=\r\n" +
		"Content-Type: multipart/alternative; boundary=\"xyz\"\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n\r\n")

	h := ParseHeader(raw)
	if h.Subject != "TLDR AI Today" {
		t.Errorf("Subject = %q", h.Subject)
	}
	if h.MediaType != "multipart/alternative" {
		t.Errorf("MediaType = %q", h.MediaType)
	}

	part := h.Part([]byte("body"))
	if part.TransferEncoding != "quoted-printable" {
		t.Errorf("multipart TransferEncoding = %q, want quoted-printable", part.TransferEncoding)
	}
}

func TestParseHeader_SinglePart(t *testing.T) {
	raw := []byte("Subject: Hello\nContent-Type: text/html; charset=iso-8859-1\nContent-Transfer-Encoding: Base64\n")

	part := ParseHeader(raw).Part([]byte("aGk="))
	if part.TransferEncoding != "base64" {
		t.Errorf("TransferEncoding = %q, want base64", part.TransferEncoding)
	}
	if part.Charset != "iso-8859-1" {
		t.Errorf("Charset = %q, want iso-8859-1", part.Charset)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Subject: TLDR AI\r\n", "*TLDR AI*"},
		{"missing", "", model.NoSubject},
		{"blank", "Subject:   \r\n\r\n", model.NoSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subject([]byte(tt.raw)); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode_Charset(t *testing.T) {
	got, err := Decode([]byte("caf\xe9"), "8bit", "iso-8859-1")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "café" {
		t.Fatalf("Decode() = %q, want %q", got, "café")
	}
}
