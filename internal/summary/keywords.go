package summary

import (
	"regexp"
	"strings"

	"ctxproxy/internal/storage"
)

// Fixed vocabulary of coding-activity terms that get indexed whenever
// they appear in an archived batch.
var codeVocabulary = []string{
	"function", "class", "method", "variable",
	"error", "bug", "fix", "implement",
	"create", "update", "delete", "modify",
	"test", "debug", "refactor", "optimize",
}

var identifierPattern = regexp.MustCompile(`\b[a-z_][a-z0-9_]{2,}\b`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "from": {}, "they": {}, "will": {},
	"would": {}, "there": {}, "their": {}, "what": {}, "about": {},
	"which": {}, "when": {}, "your": {}, "just": {}, "into": {},
	"than": {}, "then": {}, "them": {}, "these": {}, "some": {},
	"could": {}, "should": {},
}

const (
	maxKeywords              = 20
	maxIdentifiersPerMessage = 5
)

// ExtractKeywords derives index keywords for an archived batch: vocabulary
// terms that occur in the text plus a bounded sample of identifier-shaped
// words per message.
func ExtractKeywords(messages []storage.Message) []string {
	seen := make(map[string]struct{})
	keywords := make([]string, 0, maxKeywords)

	add := func(kw string) bool {
		if len(keywords) >= maxKeywords {
			return false
		}
		if _, ok := seen[kw]; ok {
			return true
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
		return true
	}

	for i := range messages {
		text := strings.ToLower(messages[i].PlainText())

		for _, term := range codeVocabulary {
			if strings.Contains(text, term) {
				if !add(term) {
					return keywords
				}
			}
		}

		count := 0
		for _, ident := range identifierPattern.FindAllString(text, -1) {
			if count >= maxIdentifiersPerMessage {
				break
			}
			if _, stop := stopWords[ident]; stop {
				continue
			}
			if !add(ident) {
				return keywords
			}
			count++
		}
	}

	return keywords
}
