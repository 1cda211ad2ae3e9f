package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

const defaultTransferEncoding = "quoted-printable"

// Decode undoes the transfer encoding and charset of a body part and returns
// UTF-8 text. An unknown transfer encoding leaves the bytes untouched; an
// unknown charset or corrupt payload is an error.
func Decode(raw []byte, transferEncoding, charset string) (string, error) {
	enc := strings.ToLower(strings.TrimSpace(transferEncoding))
	if enc == "" {
		enc = defaultTransferEncoding
	}
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" {
		cs = "utf-8"
	}

	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": cs})
	h.Set("Content-Transfer-Encoding", enc)

	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("decode %s body: %w", cs, err)
	}

	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", enc, err)
	}
	if !utf8.Valid(decoded) {
		return strings.ToValidUTF8(string(decoded), ""), nil
	}
	return string(decoded), nil
}
