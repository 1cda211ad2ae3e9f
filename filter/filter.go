// Package filter selects which newsletter emails enter the pipeline.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

type pattern struct {
	label string
	re    *regexp.Regexp
}

// Filter holds compiled patterns and counts how often each one decided the
// fate of a message.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []pattern
	includeBody   []pattern
	excludeHeader []pattern
	excludeBody   []pattern

	mu       sync.Mutex
	hits     map[string]int
	rejected int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compilePatterns("include-body", opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compilePatterns("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compilePatterns("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[string]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows returns true if the message passes the filter criteria. Header and
// body are the raw, still transfer-encoded bytes.
func (f *Filter) Allows(header, body []byte) bool {
	switch {
	case f.includeMode:
		if p, ok := firstMatch(f.includeHeader, header); ok {
			f.record(p, true)
			return true
		}
		if p, ok := firstMatch(f.includeBody, body); ok {
			f.record(p, true)
			return true
		}
		f.record(pattern{}, false)
		return false
	case f.excludeMode:
		if p, ok := firstMatch(f.excludeHeader, header); ok {
			f.record(p, false)
			return false
		}
		if p, ok := firstMatch(f.excludeBody, body); ok {
			f.record(p, false)
			return false
		}
	}
	return true
}

func (f *Filter) record(p pattern, allowed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.label != "" {
		f.hits[p.label]++
	}
	if !allowed {
		f.rejected++
	}
}

// Stats is a copy of the filter counters.
type Stats struct {
	Hits     map[string]int
	Rejected int
}

func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{Hits: hits, Rejected: f.rejected}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(kind string, patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, p, err)
		}
		compiled = append(compiled, pattern{label: kind + ": " + p, re: re})
	}
	return compiled, nil
}

func firstMatch(patterns []pattern, text []byte) (pattern, bool) {
	for _, p := range patterns {
		if p.re.Match(text) {
			return p, true
		}
	}
	return pattern{}, false
}
