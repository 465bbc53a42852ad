package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

type Kind string

const (
	KindIncludeHeader Kind = "include-header"
	KindIncludeBody   Kind = "include-body"
	KindExcludeHeader Kind = "exclude-header"
	KindExcludeBody   Kind = "exclude-body"
)

type rule struct {
	kind    Kind
	pattern string
	re      *regexp.Regexp
}

// RuleStats reports how often one pattern matched.
type RuleStats struct {
	Kind    Kind
	Pattern string
	Hits    int
}

// Filter decides which raw messages a source hands to the pipeline. It is
// safe for concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []rule
	includeBody   []rule
	excludeHeader []rule
	excludeBody   []rule

	mu      sync.Mutex
	hits    map[rule]int
	checked int
	allowed int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(KindIncludeHeader, opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compilePatterns(KindIncludeBody, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compilePatterns(KindExcludeHeader, opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compilePatterns(KindExcludeBody, opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[rule]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// AllowsRaw splits raw into header and body and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

// Allows returns true if the message passes the filter criteria. In include
// mode any matching pattern admits the message, in exclude mode any matching
// pattern rejects it.
func (f *Filter) Allows(header, body []byte) bool {
	var matched []rule
	if f.includeMode {
		matched = f.matches(f.includeHeader, header, matched)
		matched = f.matches(f.includeBody, body, matched)
	} else if f.excludeMode {
		matched = f.matches(f.excludeHeader, header, matched)
		matched = f.matches(f.excludeBody, body, matched)
	}

	allowed := true
	switch {
	case f.includeMode:
		allowed = len(matched) > 0
	case f.excludeMode:
		allowed = len(matched) == 0
	}

	f.mu.Lock()
	f.checked++
	if allowed {
		f.allowed++
	}
	for _, r := range matched {
		f.hits[r]++
	}
	f.mu.Unlock()

	return allowed
}

func (f *Filter) matches(rules []rule, text []byte, into []rule) []rule {
	if len(rules) == 0 {
		return into
	}
	for _, r := range rules {
		if r.re.Match(text) {
			into = append(into, r)
		}
	}
	return into
}

// Stats returns the checked and allowed counts and per-pattern hits in
// configuration order.
func (f *Filter) Stats() (checked, allowed int, rules []RuleStats) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, group := range [][]rule{f.includeHeader, f.includeBody, f.excludeHeader, f.excludeBody} {
		for _, r := range group {
			rules = append(rules, RuleStats{Kind: r.kind, Pattern: r.pattern, Hits: f.hits[r]})
		}
	}
	return f.checked, f.allowed, rules
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

func compilePatterns(kind Kind, patterns []string) ([]rule, error) {
	compiled := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		compiled = append(compiled, rule{kind: kind, pattern: pattern, re: re})
	}
	return compiled, nil
}
