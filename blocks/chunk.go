package blocks

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen keeps each block under Slack's 3000 character section limit
// with room for formatting.
const DefaultMaxLen = 2900

// Chunk splits text into blocks of whole lines, each at most maxLen runes
// long. Lines are never split: a line longer than maxLen becomes a block of
// its own. Joining the blocks with "\n" yields text again. An empty text has
// no blocks; a non-positive maxLen disables the bound.
func Chunk(text string, maxLen int) []string {
	if text == "" {
		return nil
	}

	var (
		blocks  []string
		current strings.Builder
		size    int
		open    bool
	)
	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if open && maxLen > 0 && size+1+n > maxLen {
			blocks = append(blocks, current.String())
			current.Reset()
			size = 0
			open = false
		}
		if open {
			current.WriteByte('\n')
			size++
		}
		current.WriteString(line)
		size += n
		open = true
	}
	return append(blocks, current.String())
}
