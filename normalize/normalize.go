// Package normalize turns raw newsletter bodies into Slack mrkdwn text.
//
// The cleanup runs as a fixed cascade: decode, HTML to text, boilerplate
// removal, MIME artifact removal, line break normalization and heading
// emphasis. Later stages match against the output of earlier ones, so the
// order is part of the behavior.
package normalize

import (
	"regexp"
	"strings"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

// DefaultWrapWidth is the column at which converted HTML is wrapped.
const DefaultWrapWidth = 230

var (
	htmlMarkerPattern = regexp.MustCompile(`(?i)<html|<body`)

	togetherWithPattern = regexp.MustCompile(`(?is)\A.*?together with[^\n]*\n?`)
	tldrPattern         = regexp.MustCompile(`(?im)^TLDR`)
	endMarkerPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Love TLDR\? Tell your friends and get rewards!`),
		regexp.MustCompile(`(?i)how did we do today`),
	}

	contentTypePattern      = regexp.MustCompile(`(?i)Content-Type:[^\r\n]*(?:\r\n|\n|\r)+`)
	transferEncodingPattern = regexp.MustCompile(`(?i)Content-Transfer-Encoding:[^\r\n]*(?:\r\n|\n|\r)+`)
	boundaryPattern         = regexp.MustCompile(`(?m)^--[^\r\n]*(?:\r\n|\n|\r)*`)
	htmlTagPattern          = regexp.MustCompile(`<[^>]+>`)
	slackLinkPattern        = regexp.MustCompile(`^<(?:https?|mailto):[^\s|>]+(?:\|[^>]*)?>$`)
	nonPrintablePattern     = regexp.MustCompile(`[^\x20-\x7E\r\n]`)
	imageURLPattern         = regexp.MustCompile(`(?i)https?://\S+\.(?:png|jpe?g|gif|svg)`)

	lineBreakPattern = regexp.MustCompile(`(?:\r\n|\n|\r)+`)
	headingPattern   = regexp.MustCompile(`^[A-Z0-9 &]+$`)
)

// Part is one fetched body part together with its MIME parameters.
type Part struct {
	Body             []byte
	TransferEncoding string
	Charset          string
}

// Options configures a Normalizer.
type Options struct {
	WrapWidth int
}

// Normalizer applies the cleanup cascade. It holds no mutable state and may
// be shared between goroutines.
type Normalizer struct {
	wrapWidth int
}

// New creates a Normalizer; a non-positive wrap width selects DefaultWrapWidth.
func New(opts Options) *Normalizer {
	width := opts.WrapWidth
	if width <= 0 {
		width = DefaultWrapWidth
	}
	return &Normalizer{wrapWidth: width}
}

var defaultNormalizer = New(Options{})

// Normalize runs the default Normalizer over a UTF-8 body part.
func Normalize(raw []byte, transferEncoding string) string {
	return defaultNormalizer.Normalize(Part{Body: raw, TransferEncoding: transferEncoding})
}

// Normalize converts a body part into chat-ready text. It never fails: an
// undecodable part yields model.UndecodableBody.
func (n *Normalizer) Normalize(part Part) string {
	text, err := Decode(part.Body, part.TransferEncoding, part.Charset)
	if err != nil {
		return model.UndecodableBody
	}
	return n.Clean(text)
}

// Clean applies every stage after decoding to already decoded text.
func (n *Normalizer) Clean(text string) string {
	if htmlMarkerPattern.MatchString(text) {
		text = HTMLToText(text, n.wrapWidth)
	}
	text = StripBoilerplate(text)
	text = stripArtifacts(text)
	text = lineBreakPattern.ReplaceAllString(text, "\n")
	text = emphasizeHeadings(text)
	return strings.TrimSpace(text)
}

// StripBoilerplate drops the sponsor preamble, everything before the TLDR
// heading and everything from the closing feedback prompts on. Missing
// markers leave the text unchanged.
func StripBoilerplate(text string) string {
	text = togetherWithPattern.ReplaceAllString(text, "")

	if loc := tldrPattern.FindStringIndex(text); loc != nil {
		text = strings.TrimSpace(text[loc[0]:])
	}

	for _, marker := range endMarkerPatterns {
		if loc := marker.FindStringIndex(text); loc != nil {
			text = strings.TrimSpace(text[:loc[0]])
		}
	}
	return text
}

func stripArtifacts(text string) string {
	text = contentTypePattern.ReplaceAllString(text, "")
	text = transferEncodingPattern.ReplaceAllString(text, "")
	text = boundaryPattern.ReplaceAllString(text, "")
	text = htmlTagPattern.ReplaceAllStringFunc(text, func(tag string) string {
		if slackLinkPattern.MatchString(tag) {
			return tag
		}
		return ""
	})
	text = nonPrintablePattern.ReplaceAllString(text, "")
	text = stripImageURLs(text)
	return dropBylines(text)
}

// stripImageURLs removes bare image URLs but leaves Slack link tokens alone,
// so a link whose target is an image keeps working.
func stripImageURLs(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range htmlTagPattern.FindAllStringIndex(text, -1) {
		token := text[loc[0]:loc[1]]
		if !slackLinkPattern.MatchString(token) {
			continue
		}
		b.WriteString(imageURLPattern.ReplaceAllString(text[last:loc[0]], ""))
		b.WriteString(token)
		last = loc[1]
	}
	b.WriteString(imageURLPattern.ReplaceAllString(text[last:], ""))
	return b.String()
}

func dropBylines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if IsByline(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func emphasizeHeadings(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "" && headingPattern.MatchString(line) {
			line = "*" + strings.TrimSpace(line) + "*"
		}
		line = strings.TrimPrefix(line, "[")
		line = strings.TrimSuffix(line, "]")
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
