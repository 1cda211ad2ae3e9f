package normalize

import (
	"regexp"
	"strings"
)

// nameWord is a single capitalized name component. Both the anchor rule and
// the line filter build on it so they agree on what an author name is.
const nameWord = `[A-Z][a-z]+`

var (
	authorNamePattern  = regexp.MustCompile(`^` + nameWord + `(?:\s+` + nameWord + `){1,3}$`)
	bylineLinePattern  = regexp.MustCompile(`^\s*(?i:by)\s+` + nameWord + `(?:\s+` + nameWord + `)*`)
	bylineLabelPattern = regexp.MustCompile(`(?i)(?:^|\s)by\s*$`)
)

// IsByline reports whether s starts with an attribution such as "by Jane Doe".
func IsByline(s string) bool {
	return bylineLinePattern.MatchString(s)
}

// LooksLikeAuthorName reports whether s is a capitalized name of two to four words.
func LooksLikeAuthorName(s string) bool {
	return authorNamePattern.MatchString(strings.TrimSpace(s))
}

// IsBylineAnchor decides whether a link with the given text, preceded by lead
// inside its parent element, credits an author and must not be hyperlinked.
func IsBylineAnchor(lead, text string) bool {
	if bylineLabelPattern.MatchString(lead) || IsByline(lead) {
		return true
	}
	return LooksLikeAuthorName(text)
}
