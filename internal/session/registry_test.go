package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, budget.NewEstimator(), true), store
}

func TestNewSessionIDFormat(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, "sess_") {
		t.Errorf("id = %q, want sess_ prefix", id)
	}
	if len(id) != len("sess_")+16 {
		t.Errorf("id = %q, want 16 hex chars after prefix", id)
	}
	if id == NewSessionID() {
		t.Error("consecutive ids collide")
	}
}

func TestResolveAllocatesID(t *testing.T) {
	r, store := newTestRegistry(t)

	id, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(id, "sess_") {
		t.Errorf("id = %q", id)
	}

	exists, err := store.SessionExists(id)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if !exists {
		t.Error("resolved session not persisted")
	}
}

func TestResolveAutoCreateDisabled(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := NewRegistry(store, budget.NewEstimator(), false)
	if _, err := r.Resolve(""); !errors.Is(err, ErrAutoCreateDisabled) {
		t.Errorf("err = %v, want ErrAutoCreateDisabled", err)
	}
}

func TestAppendUpdatesCounters(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Resolve("sess_counters")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// 8 chars of content = 2 tokens + 1 role overhead.
	snap, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "12345678"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if snap.ActiveTokens != 3 || snap.TotalTokens != 3 {
		t.Errorf("counters = (%d, %d), want (3, 3)", snap.ActiveTokens, snap.TotalTokens)
	}
	if len(snap.Messages) != 1 {
		t.Errorf("message count = %d, want 1", len(snap.Messages))
	}
	if snap.Messages[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}

	snap, err = r.Append(id, storage.Message{Role: storage.RoleAssistant, Content: "1234"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if snap.ActiveTokens != 5 || snap.TotalTokens != 5 {
		t.Errorf("counters = (%d, %d), want (5, 5)", snap.ActiveTokens, snap.TotalTokens)
	}
}

func TestAppendPersists(t *testing.T) {
	r, store := newTestRegistry(t)

	id, err := r.Resolve("sess_persist")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "hello world"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := store.LoadSession(id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hello world" {
		t.Errorf("persisted messages = %+v", loaded.Messages)
	}
}

func TestCommitEvictionSplicesLog(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Resolve("sess_evict")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := r.Append(id, storage.Message{
			Role:    storage.RoleUser,
			Content: strings.Repeat("x", 40),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	before, err := r.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Evict the first 4 messages (content cost 10 tokens each).
	if err := r.CommitEviction(id, 4, 40, "arc_test", "short summary", 5); err != nil {
		t.Fatalf("CommitEviction: %v", err)
	}

	after, err := r.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if len(after.Messages) != 3 {
		t.Fatalf("message count = %d, want 3 (marker + 2 survivors)", len(after.Messages))
	}
	marker := after.Messages[0]
	if !marker.Archived || marker.ArchiveID != "arc_test" {
		t.Errorf("marker = %+v", marker)
	}
	if !strings.Contains(marker.Content, "arc_test") {
		t.Errorf("marker content = %q, want archive id embedded", marker.Content)
	}
	if !strings.Contains(marker.Content, "short summary") {
		t.Errorf("marker content = %q, want summary text embedded", marker.Content)
	}

	if after.ActiveTokens >= before.ActiveTokens {
		t.Errorf("ActiveTokens did not drop: %d -> %d", before.ActiveTokens, after.ActiveTokens)
	}
	// 6 messages at 11 tokens each, minus 40 evicted, plus the 5-token summary.
	if after.ActiveTokens != 31 {
		t.Errorf("ActiveTokens = %d, want 31", after.ActiveTokens)
	}
	if after.TotalTokens != before.TotalTokens {
		t.Errorf("TotalTokens changed across eviction: %d -> %d", before.TotalTokens, after.TotalTokens)
	}
	if len(after.ArchiveIDs) != 1 || after.ArchiveIDs[0] != "arc_test" {
		t.Errorf("ArchiveIDs = %v", after.ArchiveIDs)
	}
}

func TestBeginEvictionExcludesConcurrent(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Resolve("sess_single")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, release, err := r.BeginEviction(id)
	if err != nil {
		t.Fatalf("BeginEviction: %v", err)
	}

	if _, _, err := r.BeginEviction(id); !errors.Is(err, ErrEvictionInFlight) {
		t.Errorf("second BeginEviction err = %v, want ErrEvictionInFlight", err)
	}

	release()
	_, release2, err := r.BeginEviction(id)
	if err != nil {
		t.Errorf("BeginEviction after release: %v", err)
	}
	if release2 != nil {
		release2()
	}
}

func TestAppendDuringEviction(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Resolve("sess_append_during")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "12345678"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	snap, release, err := r.BeginEviction(id)
	if err != nil {
		t.Fatalf("BeginEviction: %v", err)
	}
	defer release()

	// Appends are not blocked by an in-flight eviction.
	if _, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "new turn"}); err != nil {
		t.Fatalf("Append during eviction: %v", err)
	}

	if err := r.CommitEviction(id, len(snap.Messages), 8, "arc_concurrent", "brief", 2); err != nil {
		t.Fatalf("CommitEviction: %v", err)
	}

	after, err := r.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Marker plus the message appended mid-eviction.
	if len(after.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(after.Messages))
	}
	if after.Messages[1].Content != "new turn" {
		t.Errorf("surviving message = %q, want the mid-eviction append", after.Messages[1].Content)
	}
}

func TestDeleteBlocksStaleWriter(t *testing.T) {
	r, store := newTestRegistry(t)

	id, err := r.Resolve("sess_stale_writer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A concurrent writer can hold the entry before Delete runs.
	stale, err := r.acquire(id, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := r.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Reinstall the stale entry, as if the writer's lookup had raced
	// ahead of the map removal.
	r.mu.Lock()
	r.entries[id] = stale
	r.mu.Unlock()

	if _, err := r.Append(id, storage.Message{Role: storage.RoleUser, Content: "ghost"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Append on deleted entry err = %v, want ErrNotFound", err)
	}

	exists, err := store.SessionExists(id)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if exists {
		t.Error("deleted session resurrected by a stale writer")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "sessions", id+".json")); !os.IsNotExist(err) {
		t.Errorf("session file still on disk after delete: %v", err)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Resolve("sess_conc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Append(id, storage.Message{Role: storage.RoleUser, Content: "12345678"})
		}()
	}
	wg.Wait()

	snap, err := r.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Messages) != workers {
		t.Errorf("message count = %d, want %d", len(snap.Messages), workers)
	}
	if snap.ActiveTokens != workers*3 {
		t.Errorf("ActiveTokens = %d, want %d", snap.ActiveTokens, workers*3)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	r, store := newTestRegistry(t)

	id, err := r.Resolve("sess_gone")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	exists, err := store.SessionExists(id)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if exists {
		t.Error("session still in store after Delete")
	}
	if _, err := r.Snapshot(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Snapshot after delete err = %v, want ErrNotFound", err)
	}
}

func TestCleanupBefore(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Resolve("sess_stale"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	removed, err := r.CleanupBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
