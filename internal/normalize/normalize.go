// Package normalize strips decoding artifacts from raw model output.
package normalize

import (
	"regexp"
	"strings"
)

// EndOfSentence is the tokenizer's end-of-sequence marker, left in the text
// because special tokens are not skipped during decoding.
const EndOfSentence = "<｜end▁of▁sentence｜>"

var (
	groundingSpan = regexp.MustCompile(`(?s)<\|ref\|>.*?<\|/ref\|><\|det\|>.*?<\|/det\|>`)
	blankLines    = regexp.MustCompile(`\n{3,}`)

	mathEscapes = strings.NewReplacer(
		`\coloneqq`, ":=",
		`\eqqcolon`, "=:",
	)
)

// Rule is one named cleanup step
type Rule struct {
	Name  string
	Apply func(string) string
}

// StripSentinel removes every end-of-sentence marker.
func StripSentinel(s string) string {
	return strings.ReplaceAll(s, EndOfSentence, "")
}

// StripGrounding removes ref/det grounding annotations, including ones
// spanning several lines. Matching is non-greedy so text between two
// annotations survives.
func StripGrounding(s string) string {
	return groundingSpan.ReplaceAllString(s, "")
}

// RewriteMath replaces LaTeX colon-equals macros with plain operators.
func RewriteMath(s string) string {
	return mathEscapes.Replace(s)
}

// CollapseBlankLines reduces three or more consecutive newlines to two.
func CollapseBlankLines(s string) string {
	return blankLines.ReplaceAllString(s, "\n\n")
}

// DefaultRules returns the cleanup rules in the order they must run.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "sentinel", Apply: StripSentinel},
		{Name: "grounding", Apply: StripGrounding},
		{Name: "math", Apply: RewriteMath},
		{Name: "blank-lines", Apply: CollapseBlankLines},
	}
}

// Normalizer applies rules in sequence. It never fails.
type Normalizer struct {
	rules []Rule
}

// New creates a normalizer; with no rules it uses DefaultRules.
func New(rules ...Rule) *Normalizer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Normalizer{rules: rules}
}

// Normalize implements domain.Normalizer
func (n *Normalizer) Normalize(raw string) string {
	out := raw
	for _, r := range n.rules {
		out = r.Apply(out)
	}
	return out
}

// Rules returns the names of the configured rules in application order.
func (n *Normalizer) Rules() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name
	}
	return names
}
