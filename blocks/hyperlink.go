package blocks

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxHeadingLength bounds the lines treated as headings; longer lines are
// paragraphs.
const MaxHeadingLength = 300

var (
	bareURLPattern   = regexp.MustCompile(`^https?://\S+$`)
	slackLinkPattern = regexp.MustCompile(`^<https?://\S+?\|`)
)

// Hyperlink folds every heading line that is directly followed by a bare URL
// line into a single Slack hyperlink "<url|heading>". Running it again on its
// own output changes nothing.
func Hyperlink(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		heading := lines[i]
		if i+1 < len(lines) && isHeading(heading) && bareURLPattern.MatchString(lines[i+1]) {
			out = append(out, "<"+lines[i+1]+"|"+heading+">")
			i++
			continue
		}
		out = append(out, heading)
	}
	return strings.Join(out, "\n")
}

func isHeading(line string) bool {
	if line == "" || utf8.RuneCountInString(line) >= MaxHeadingLength {
		return false
	}
	return !bareURLPattern.MatchString(line) && !slackLinkPattern.MatchString(line)
}
