// Package summary turns an evicted message batch into a compact archive
// summary, using the generation backend when it is reachable and a
// deterministic extractive fallback when it is not.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ctxproxy/internal/provider"
	"ctxproxy/internal/storage"
	"ctxproxy/pkg/logger"
)

const (
	// Per-message cap when rendering the batch into the prompt. Long
	// messages carry most of their signal up front.
	promptMessageLimit = 1000

	// Snippet length used by the fallback summary.
	fallbackSnippetLimit = 100
)

// Summarizer produces archive summaries.
type Summarizer struct {
	gen     provider.Generator
	timeout time.Duration
}

// New creates a Summarizer. timeout bounds each backend call.
func New(gen provider.Generator, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Summarizer{gen: gen, timeout: timeout}
}

// Generate asks the backend for a summary of the batch, targeting
// targetTokens. It fails with the backend's error when the call does not
// complete; callers fall back to Fallback.
func (s *Summarizer) Generate(ctx context.Context, messages []storage.Message, meta storage.ArchiveMetadata, targetTokens int) (string, error) {
	if s.gen == nil {
		return "", provider.ErrBackendUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := buildPrompt(messages, meta, targetTokens)
	text, err := s.gen.Generate(ctx, prompt, targetTokens)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty summary", provider.ErrInvalidResponse)
	}

	logger.Debug().
		Int("messages", len(messages)).
		Int("target_tokens", targetTokens).
		Int("summary_chars", len(text)).
		Msg("generated summary")
	return text, nil
}

// Fallback builds a deterministic extractive summary: batch shape,
// extracted metadata, and first/last message snippets. It never fails.
func (s *Summarizer) Fallback(messages []storage.Message, meta storage.ArchiveMetadata) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Archived conversation segment: %d messages", len(messages))
	if !meta.TimestampRange.Start.IsZero() {
		fmt.Fprintf(&b, " (%s to %s)",
			meta.TimestampRange.Start.Format(time.RFC3339),
			meta.TimestampRange.End.Format(time.RFC3339))
	}
	b.WriteString(".\n")

	if len(meta.FilePaths) > 0 {
		fmt.Fprintf(&b, "Files discussed: %s.\n", strings.Join(meta.FilePaths, ", "))
	}
	if len(meta.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools used: %s.\n", strings.Join(meta.ToolsUsed, ", "))
	}

	if len(messages) > 0 {
		first := snippet(messages[0].PlainText(), fallbackSnippetLimit)
		if first != "" {
			fmt.Fprintf(&b, "Started with [%s]: %s\n", messages[0].Role, first)
		}
		if len(messages) > 1 {
			last := &messages[len(messages)-1]
			text := snippet(last.PlainText(), fallbackSnippetLimit)
			if text != "" {
				fmt.Fprintf(&b, "Ended with [%s]: %s\n", last.Role, text)
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func buildPrompt(messages []storage.Message, meta storage.ArchiveMetadata, targetTokens int) string {
	var b strings.Builder

	b.WriteString("Summarize the following conversation segment concisely. ")
	fmt.Fprintf(&b, "Target length: about %d tokens. ", targetTokens)
	b.WriteString("Preserve technical details: file names, function names, error messages, and decisions made.\n\n")

	if len(meta.FilePaths) > 0 {
		fmt.Fprintf(&b, "Files involved: %s\n", strings.Join(meta.FilePaths, ", "))
	}
	if len(meta.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(meta.ToolsUsed, ", "))
	}
	b.WriteString("\nConversation:\n")

	for i := range messages {
		msg := &messages[i]
		fmt.Fprintf(&b, "[%s]: %s\n", msg.Role, snippet(msg.PlainText(), promptMessageLimit))
	}

	b.WriteString("\nSummary:")
	return b.String()
}

func snippet(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
