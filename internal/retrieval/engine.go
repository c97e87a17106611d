package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ctxproxy/internal/storage"
	"ctxproxy/pkg/logger"
)

const toolUsageBonus = 0.2

// Match is one scored archive candidate.
type Match struct {
	ArchiveID string  `json:"archive_id"`
	Score     float64 `json:"score"`
	Summary   string  `json:"summary"`
}

// Engine matches query signals against the content index and builds
// reinjectable context messages.
type Engine struct {
	store      *storage.Store
	analyzer   Analyzer
	threshold  float64
	maxResults int
}

// NewEngine creates a retrieval engine.
func NewEngine(store *storage.Store, analyzer Analyzer, threshold float64, maxResults int) *Engine {
	if analyzer == nil {
		analyzer = NewAnalyzer()
	}
	return &Engine{
		store:      store,
		analyzer:   analyzer,
		threshold:  threshold,
		maxResults: maxResults,
	}
}

// Retrieve analyzes the query and, when the signals warrant it, returns
// synthetic context messages carrying the best-matching archive
// summaries. Summaries only; full archived content never reenters the
// active window automatically.
func (e *Engine) Retrieve(sessionID, query string) ([]storage.Message, error) {
	matches, err := e.Match(sessionID, query)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	messages := make([]storage.Message, 0, len(matches))
	for _, m := range matches {
		messages = append(messages, storage.Message{
			Role: storage.RoleSystem,
			Content: fmt.Sprintf("[Retrieved context from earlier in this conversation]\n%s",
				m.Summary),
			Timestamp:      now,
			Retrieved:      true,
			ArchiveID:      m.ArchiveID,
			RelevanceScore: m.Score,
		})
	}
	return messages, nil
}

// Match returns the scored archive candidates above the threshold, best
// first, capped at the result limit.
func (e *Engine) Match(sessionID, query string) ([]Match, error) {
	sig := e.analyzer.Analyze(query)
	if !sig.Triggered() {
		return nil, nil
	}

	keywords := make([]string, 0, len(sig.Keywords)+len(sig.CodeElements))
	keywords = append(keywords, sig.Keywords...)
	keywords = append(keywords, sig.CodeElements...)
	if len(keywords) == 0 && len(sig.FilePaths) == 0 {
		return nil, nil
	}

	archiveIDs, err := e.store.SearchContent(sessionID, keywords, sig.FilePaths)
	if err != nil {
		return nil, err
	}
	if len(archiveIDs) == 0 {
		return nil, nil
	}

	var matches []Match
	for _, id := range archiveIDs {
		archive, err := e.store.GetArchive(id)
		if err != nil {
			logger.Warn().Err(err).Str("archive_id", id).Msg("skipping unreadable archive")
			continue
		}
		score := Score(sig, archive)
		if score < e.threshold {
			continue
		}
		matches = append(matches, Match{
			ArchiveID: id,
			Score:     score,
			Summary:   archive.Summary,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ArchiveID > matches[j].ArchiveID
	})
	if len(matches) > e.maxResults {
		matches = matches[:e.maxResults]
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("candidates", len(archiveIDs)).
		Int("matches", len(matches)).
		Msg("retrieval scored")
	return matches, nil
}

// Score rates one archive against the query signals. Up to four
// sub-scores contribute, each only when its condition applies, and the
// result is their mean: file overlap, keyword containment in the
// summary, code-element containment, and a flat bonus when the archive
// recorded tool usage. No fired signals scores 0.
func Score(sig Signals, archive *storage.Archive) float64 {
	var sum float64
	var fired int

	if len(sig.FilePaths) > 0 {
		overlap := 0
		archived := make(map[string]struct{}, len(archive.Metadata.FilePaths))
		for _, p := range archive.Metadata.FilePaths {
			archived[p] = struct{}{}
		}
		for _, p := range sig.FilePaths {
			if _, ok := archived[p]; ok {
				overlap++
			}
		}
		sum += float64(overlap) / float64(len(sig.FilePaths))
		fired++
	}

	lowerSummary := strings.ToLower(archive.Summary)

	if len(sig.Keywords) > 0 {
		hits := 0
		for _, kw := range sig.Keywords {
			if strings.Contains(lowerSummary, kw) {
				hits++
			}
		}
		sum += float64(hits) / float64(len(sig.Keywords))
		fired++
	}

	if len(sig.CodeElements) > 0 {
		hits := 0
		for _, c := range sig.CodeElements {
			if strings.Contains(lowerSummary, strings.ToLower(c)) {
				hits++
			}
		}
		sum += float64(hits) / float64(len(sig.CodeElements))
		fired++
	}

	if len(archive.Metadata.ToolsUsed) > 0 {
		sum += toolUsageBonus
		fired++
	}

	if fired == 0 {
		return 0
	}
	return sum / float64(fired)
}
