// Package retrieval decides when archived context is relevant to a new
// request and reinjects the best-matching summaries.
package retrieval

import (
	"regexp"
	"sort"
	"strings"
)

// Signals are the retrieval cues extracted from a query.
type Signals struct {
	Temporal     bool
	FilePaths    []string
	CodeElements []string
	Keywords     []string
}

// Triggered reports whether the signals justify an index lookup at all.
// A temporal reference alone is enough; code references need more than
// two elements to avoid firing on every snippet.
func (s Signals) Triggered() bool {
	return s.Temporal || len(s.CodeElements) > 2
}

// Analyzer extracts retrieval signals from query text.
type Analyzer interface {
	Analyze(text string) Signals
}

var (
	temporalPattern = regexp.MustCompile(`\b(earlier|before|previously|ago|past|last time|remember when)\b`)
	recallPattern   = regexp.MustCompile(`\b(that|the) (\w+ ){0,3}(we|i) (did|fixed|changed|created|discussed)\b`)
	filePattern     = regexp.MustCompile(`[\w/.-]+\.\w+`)
	backtickPattern = regexp.MustCompile("`([^`]+)`")
	callPattern     = regexp.MustCompile(`\b\w+\(\)`)
	snakePattern    = regexp.MustCompile(`\b[a-z][a-z0-9]*_\w+\b`)
	declPattern     = regexp.MustCompile(`\b(?:function|class|method|variable)\s+(\w+)`)
	declRevPattern  = regexp.MustCompile(`\b(\w+)\s+(?:function|class|method|variable)\b`)
	wordPattern     = regexp.MustCompile(`\b\w{3,}\b`)
)

var queryStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "was": {}, "has": {}, "have": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "they": {},
	"will": {}, "would": {}, "there": {}, "what": {}, "about": {},
	"which": {}, "when": {}, "your": {}, "just": {}, "into": {},
	"how": {}, "why": {}, "did": {}, "does": {}, "please": {},
}

const maxQueryKeywords = 10

// RegexAnalyzer implements Analyzer with pattern matching. Extraction is
// deterministic and cheap enough to run on every request.
type RegexAnalyzer struct{}

// NewAnalyzer creates a RegexAnalyzer.
func NewAnalyzer() *RegexAnalyzer {
	return &RegexAnalyzer{}
}

// Analyze extracts signals from text.
func (a *RegexAnalyzer) Analyze(text string) Signals {
	lower := strings.ToLower(text)

	sig := Signals{
		Temporal: temporalPattern.MatchString(lower) || recallPattern.MatchString(lower),
	}

	seen := make(map[string]struct{})
	for _, p := range filePattern.FindAllString(text, -1) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		sig.FilePaths = append(sig.FilePaths, p)
	}

	code := make(map[string]struct{})
	for _, m := range backtickPattern.FindAllStringSubmatch(text, -1) {
		code[m[1]] = struct{}{}
	}
	for _, m := range callPattern.FindAllString(text, -1) {
		code[strings.TrimSuffix(m, "()")] = struct{}{}
	}
	for _, m := range snakePattern.FindAllString(lower, -1) {
		code[m] = struct{}{}
	}
	for _, m := range declPattern.FindAllStringSubmatch(lower, -1) {
		if _, stop := queryStopWords[m[1]]; !stop {
			code[m[1]] = struct{}{}
		}
	}
	for _, m := range declRevPattern.FindAllStringSubmatch(lower, -1) {
		if _, stop := queryStopWords[m[1]]; !stop {
			code[m[1]] = struct{}{}
		}
	}
	for c := range code {
		sig.CodeElements = append(sig.CodeElements, c)
	}
	sort.Strings(sig.CodeElements)

	for _, w := range wordPattern.FindAllString(lower, -1) {
		if len(sig.Keywords) >= maxQueryKeywords {
			break
		}
		if _, stop := queryStopWords[w]; stop {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		sig.Keywords = append(sig.Keywords, w)
	}

	return sig
}
