package retrieval

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"ctxproxy/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func putIndexedArchive(t *testing.T, store *storage.Store, sessionID, summary string,
	keywords, filePaths, tools []string) string {
	t.Helper()

	batch := []storage.Message{{Role: storage.RoleUser, Content: summary}}
	meta := storage.ArchiveMetadata{
		MessageCount: 1,
		Keywords:     keywords,
		FilePaths:    filePaths,
		ToolsUsed:    tools,
	}
	id, err := store.PutArchive(sessionID, batch, summary, 100, 20, meta)
	if err != nil {
		t.Fatalf("PutArchive: %v", err)
	}
	if err := store.IndexContent(sessionID, id, "conversation", keywords, filePaths); err != nil {
		t.Fatalf("IndexContent: %v", err)
	}
	return id
}

func TestRetrieveSkipsWithoutSignals(t *testing.T) {
	store := openTestStore(t)
	e := NewEngine(store, nil, 0.6, 3)

	msgs, err := e.Retrieve("sess_x", "how do I write a loop?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if msgs != nil {
		t.Errorf("got %v, want nil without retrieval signals", msgs)
	}
}

func TestRetrieveMatchesArchive(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CreateSession("sess_r", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	id := putIndexedArchive(t, store, "sess_r",
		"We fixed the parser bug in parser.go by rewriting tokenize.",
		[]string{"parser", "bug", "tokenize"}, []string{"parser.go"}, nil)

	e := NewEngine(store, nil, 0.5, 3)
	msgs, err := e.Retrieve("sess_r", "remember when we fixed the parser bug earlier?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	got := msgs[0]
	if got.Role != storage.RoleSystem {
		t.Errorf("Role = %q, want system", got.Role)
	}
	if !got.Retrieved {
		t.Error("Retrieved flag not set")
	}
	if got.ArchiveID != id {
		t.Errorf("ArchiveID = %q, want %q", got.ArchiveID, id)
	}
	if !strings.Contains(got.Content, "parser bug") {
		t.Errorf("content does not carry the summary: %q", got.Content)
	}
	if got.RelevanceScore < 0.5 {
		t.Errorf("RelevanceScore = %f, want >= threshold", got.RelevanceScore)
	}
}

func TestRetrieveRespectsThreshold(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CreateSession("sess_t", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// The index recalls the archive via one shared keyword, but the
	// summary shares almost nothing with the query, so scoring drops it.
	putIndexedArchive(t, store, "sess_t",
		"Unrelated discussion about deployment pipelines.",
		[]string{"earlier"}, nil, nil)

	e := NewEngine(store, nil, 0.9, 3)
	msgs, err := e.Retrieve("sess_t", "what did we change earlier in the websocket handshake code?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0 below threshold", len(msgs))
	}
}

func TestMatchCapsResults(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CreateSession("sess_cap", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 0; i < 5; i++ {
		putIndexedArchive(t, store, "sess_cap",
			fmt.Sprintf("We refactored the config loader and fixed the reload bug (pass %d).", i),
			[]string{"config", "reload", "refactored"}, nil, nil)
	}

	e := NewEngine(store, nil, 0.1, 2)
	matches, err := e.Match("sess_cap", "remember when we refactored the config reload earlier?")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) > 2 {
		t.Errorf("got %d matches, cap is 2", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Error("matches not sorted by descending score")
		}
	}
}

func TestScoreSignals(t *testing.T) {
	plain := &storage.Archive{
		Summary: "we fixed the parser bug in parser.go",
		Metadata: storage.ArchiveMetadata{
			FilePaths: []string{"parser.go"},
		},
	}
	withTools := &storage.Archive{
		Summary: "we fixed the parser bug in parser.go",
		Metadata: storage.ArchiveMetadata{
			FilePaths: []string{"parser.go"},
			ToolsUsed: []string{"edit"},
		},
	}

	tests := []struct {
		name    string
		sig     Signals
		archive *storage.Archive
		want    float64
	}{
		{
			name:    "full file overlap",
			sig:     Signals{FilePaths: []string{"parser.go"}},
			archive: plain,
			want:    1.0,
		},
		{
			name:    "no overlap",
			sig:     Signals{FilePaths: []string{"other.go"}},
			archive: plain,
			want:    0.0,
		},
		{
			name:    "keywords averaged with files",
			sig:     Signals{FilePaths: []string{"parser.go"}, Keywords: []string{"parser", "missing"}},
			archive: plain,
			// (1.0 + 0.5) / 2
			want: 0.75,
		},
		{
			name:    "tool usage averaged in",
			sig:     Signals{Keywords: []string{"parser"}},
			archive: withTools,
			// (1.0 + 0.2) / 2
			want: 0.6,
		},
		{
			name:    "tool usage alone",
			sig:     Signals{Temporal: true},
			archive: withTools,
			want:    0.2,
		},
		{
			name:    "no fired signals",
			sig:     Signals{Temporal: true},
			archive: plain,
			want:    0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.sig, tt.archive)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("score = %f, want %f", got, tt.want)
			}
		})
	}
}
