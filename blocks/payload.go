// Package blocks shapes normalized newsletter records into Slack Block Kit
// webhook payloads.
package blocks

import (
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

// SectionLimit is the longest text Slack accepts in a section block.
const SectionLimit = 3000

// Payload builds the webhook message for a record: a subject section
// followed by one section per non-blank block of the hyperlinked body.
func Payload(record model.EmailRecord, maxLen int) *slack.WebhookMessage {
	set := []slack.Block{section("*Subject:* " + record.Subject + "\n*Body:*")}
	for _, chunk := range Chunk(Hyperlink(record.Body), maxLen) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		set = append(set, section(truncate(chunk, SectionLimit)))
	}
	return &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: set}}
}

func section(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
