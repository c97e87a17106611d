package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ctxproxy/internal/provider"
	"ctxproxy/internal/storage"
)

type stubGenerator struct {
	text   string
	err    error
	prompt string
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.prompt = prompt
	return g.text, g.err
}

func TestGenerateUsesBackend(t *testing.T) {
	gen := &stubGenerator{text: "a concise summary"}
	s := New(gen, time.Second)

	msgs := []storage.Message{
		{Role: storage.RoleUser, Content: "refactor parser.go"},
		{Role: storage.RoleAssistant, Content: "done"},
	}
	meta := storage.ArchiveMetadata{FilePaths: []string{"parser.go"}, ToolsUsed: []string{"edit"}}

	got, err := s.Generate(context.Background(), msgs, meta, 200)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "a concise summary" {
		t.Errorf("summary = %q", got)
	}

	for _, want := range []string{"parser.go", "edit", "[user]", "[assistant]", "200 tokens"} {
		if !strings.Contains(gen.prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}
}

func TestGeneratePropagatesBackendError(t *testing.T) {
	gen := &stubGenerator{err: provider.ErrBackendUnavailable}
	s := New(gen, time.Second)

	_, err := s.Generate(context.Background(), []storage.Message{{Role: storage.RoleUser, Content: "x"}},
		storage.ArchiveMetadata{}, 100)
	if !errors.Is(err, provider.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestGenerateRejectsEmptySummary(t *testing.T) {
	gen := &stubGenerator{text: "  \n "}
	s := New(gen, time.Second)

	_, err := s.Generate(context.Background(), []storage.Message{{Role: storage.RoleUser, Content: "x"}},
		storage.ArchiveMetadata{}, 100)
	if err == nil {
		t.Error("expected error for empty summary")
	}
}

func TestGenerateTruncatesLongMessages(t *testing.T) {
	gen := &stubGenerator{text: "ok"}
	s := New(gen, time.Second)

	long := strings.Repeat("z", 5000)
	if _, err := s.Generate(context.Background(),
		[]storage.Message{{Role: storage.RoleUser, Content: long}},
		storage.ArchiveMetadata{}, 100); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(gen.prompt, strings.Repeat("z", promptMessageLimit+1)) {
		t.Error("prompt contains more than the per-message cap")
	}
	if !strings.Contains(gen.prompt, "...") {
		t.Error("truncated message should end with ellipsis")
	}
}

func TestFallbackIsDeterministic(t *testing.T) {
	s := New(nil, time.Second)

	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	msgs := []storage.Message{
		{Role: storage.RoleUser, Content: "first message about store.go", Timestamp: ts},
		{Role: storage.RoleAssistant, Content: "middle", Timestamp: ts.Add(time.Minute)},
		{Role: storage.RoleAssistant, Content: "final answer", Timestamp: ts.Add(2 * time.Minute)},
	}
	meta := storage.ArchiveMetadata{
		FilePaths:      []string{"store.go"},
		ToolsUsed:      []string{"edit"},
		TimestampRange: storage.TimeRange{Start: ts, End: ts.Add(2 * time.Minute)},
	}

	first := s.Fallback(msgs, meta)
	second := s.Fallback(msgs, meta)
	if first != second {
		t.Error("fallback summary differs between calls")
	}

	for _, want := range []string{"3 messages", "store.go", "edit", "first message", "final answer"} {
		if !strings.Contains(first, want) {
			t.Errorf("fallback missing %q:\n%s", want, first)
		}
	}
}

func TestFallbackTruncatesSnippets(t *testing.T) {
	s := New(nil, time.Second)

	long := strings.Repeat("a", 500)
	got := s.Fallback([]storage.Message{{Role: storage.RoleUser, Content: long}}, storage.ArchiveMetadata{})
	if strings.Contains(got, strings.Repeat("a", fallbackSnippetLimit+1)) {
		t.Error("fallback snippet exceeds the limit")
	}
}

func TestNilGeneratorFails(t *testing.T) {
	s := New(nil, time.Second)

	_, err := s.Generate(context.Background(), nil, storage.ArchiveMetadata{}, 100)
	if !errors.Is(err, provider.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestExtractKeywords(t *testing.T) {
	msgs := []storage.Message{
		{Role: storage.RoleUser, Content: "please fix the bug in the parse_config function"},
		{Role: storage.RoleAssistant, Content: "I will refactor it and add a test"},
	}

	got := ExtractKeywords(msgs)
	if len(got) == 0 {
		t.Fatal("no keywords extracted")
	}
	if len(got) > maxKeywords {
		t.Errorf("got %d keywords, cap is %d", len(got), maxKeywords)
	}

	set := make(map[string]struct{}, len(got))
	for _, kw := range got {
		if _, dup := set[kw]; dup {
			t.Errorf("duplicate keyword %q", kw)
		}
		set[kw] = struct{}{}
	}

	for _, want := range []string{"fix", "bug", "function", "refactor", "test", "parse_config"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing keyword %q in %v", want, got)
		}
	}
}

func TestExtractKeywordsCap(t *testing.T) {
	var msgs []storage.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, storage.Message{
			Role:    storage.RoleUser,
			Content: strings.Repeat("distinct_word"+string(rune('a'+i))+" ", 3),
		})
	}

	got := ExtractKeywords(msgs)
	if len(got) > maxKeywords {
		t.Errorf("got %d keywords, cap is %d", len(got), maxKeywords)
	}
}
