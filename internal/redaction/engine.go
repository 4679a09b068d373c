// Package redaction applies the fixed, ordered regex pattern catalog (PHI,
// PII, financial categories) to inbound messages and outbound completions.
// Replacements are deterministic so golden tests can assert on exact output.
package redaction

import "github.com/sovereign-rag/gateway/internal/gwtypes"

// Engine applies the pattern Catalog to text and messages.
type Engine struct {
	patterns []Pattern
}

// New constructs an Engine using the canonical Catalog.
func New() *Engine {
	return &Engine{patterns: Catalog}
}

// NewWithPatterns constructs an Engine using a caller-supplied pattern
// order, used by the config hot-reload path to layer additional patterns
// onto the canonical catalog without recompiling the binary.
func NewWithPatterns(patterns []Pattern) *Engine {
	return &Engine{patterns: patterns}
}

// TextResult is the outcome of redacting a single string.
type TextResult struct {
	Text              string
	Count             int
	MatchedCategories []Category
	CategoryCounts    map[Category]int
}

// RedactText applies every pattern in order, feeding each pattern's output
// into the next. Hits accumulate across patterns.
func (e *Engine) RedactText(s string) TextResult {
	result := TextResult{Text: s}
	for _, p := range e.patterns {
		matches := p.Regex.FindAllStringIndex(result.Text, -1)
		if len(matches) == 0 {
			continue
		}
		result.Text = p.Regex.ReplaceAllString(result.Text, p.Replacement)
		result.Count += len(matches)
		if result.CategoryCounts == nil {
			result.CategoryCounts = make(map[Category]int)
		}
		if result.CategoryCounts[p.Category] == 0 {
			result.MatchedCategories = append(result.MatchedCategories, p.Category)
		}
		result.CategoryCounts[p.Category] += len(matches)
	}
	return result
}

// MessagesResult is the outcome of redacting a list of chat messages.
type MessagesResult struct {
	Messages          []gwtypes.Message
	Count             int
	MatchedCategories []Category
	CategoryCounts    map[Category]int
}

// RedactMessages applies RedactText to each message's content in place,
// leaving roles and citations untouched.
func (e *Engine) RedactMessages(messages []gwtypes.Message) MessagesResult {
	out := make([]gwtypes.Message, len(messages))
	result := MessagesResult{}
	for i, m := range messages {
		r := e.RedactText(m.Content)
		m.Content = r.Text
		out[i] = m
		result.Count += r.Count
		for _, c := range r.MatchedCategories {
			if result.CategoryCounts == nil {
				result.CategoryCounts = make(map[Category]int)
			}
			if result.CategoryCounts[c] == 0 {
				result.MatchedCategories = append(result.MatchedCategories, c)
			}
			result.CategoryCounts[c] += r.CategoryCounts[c]
		}
	}
	result.Messages = out
	return result
}
