// Package session owns live conversation state: one in-memory entry per
// session with a mutation gate that serializes appends, evictions, and
// deletion against each other.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/storage"
	"ctxproxy/pkg/logger"
)

// Registry errors.
var (
	// ErrEvictionInFlight means an eviction is already running for the
	// session. Evictions are not queued; the caller simply skips.
	ErrEvictionInFlight = errors.New("session: eviction in flight")

	// ErrAutoCreateDisabled means no session id was supplied and the
	// configuration forbids creating one implicitly.
	ErrAutoCreateDisabled = errors.New("session: auto-create disabled")
)

type entry struct {
	mu       sync.Mutex
	session  *storage.Session
	evicting bool
	deleted  bool
}

// Registry tracks live sessions. All mutations to one session go through
// its entry lock, so concurrent requests for the same session serialize
// while distinct sessions proceed in parallel.
type Registry struct {
	store      *storage.Store
	estimator  *budget.Estimator
	autoCreate bool

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store *storage.Store, estimator *budget.Estimator, autoCreate bool) *Registry {
	return &Registry{
		store:      store,
		estimator:  estimator,
		autoCreate: autoCreate,
		entries:    make(map[string]*entry),
	}
}

// NewSessionID generates a fresh session id.
func NewSessionID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sess_" + raw[:16]
}

// Resolve maps a request's session id to a live entry, creating the
// session when it does not exist yet. An empty id allocates a new one
// when auto-create is on.
func (r *Registry) Resolve(sessionID string) (string, error) {
	if sessionID == "" {
		if !r.autoCreate {
			return "", ErrAutoCreateDisabled
		}
		sessionID = NewSessionID()
	}

	_, err := r.acquire(sessionID, true)
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// acquire returns the live entry for a session, loading it from the
// store or creating it on first use.
func (r *Registry) acquire(sessionID string, create bool) (*entry, error) {
	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	sess, err := r.store.LoadSession(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		if !create {
			return nil, err
		}
		sess, err = r.store.CreateSession(sessionID, nil)
		if errors.Is(err, storage.ErrConflict) {
			sess, err = r.store.LoadSession(sessionID)
		}
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		return e, nil
	}
	e := &entry{session: sess}
	r.entries[sessionID] = e
	return e, nil
}

// Append adds messages to the session log, stamping timestamps and
// updating both token counters, then persists. In-memory state is
// authoritative: a persistence failure is returned but the appended
// messages stay in the live session and the next successful save
// reconciles disk.
func (r *Registry) Append(sessionID string, msgs ...storage.Message) (*storage.Session, error) {
	e, err := r.acquire(sessionID, r.autoCreate)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, storage.ErrNotFound
	}

	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
		cost := r.estimator.EstimateMessage(&msgs[i])
		e.session.ActiveTokens += cost
		e.session.TotalTokens += cost
		e.session.Messages = append(e.session.Messages, msgs[i])
	}
	e.session.LastUpdated = now

	snap := copySession(e.session)
	if err := r.store.SaveSession(e.session); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("session persist failed")
		return snap, err
	}
	return snap, nil
}

// Snapshot returns a copy of the session's live state.
func (r *Registry) Snapshot(sessionID string) (*storage.Session, error) {
	e, err := r.acquire(sessionID, false)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.session), nil
}

// BeginEviction snapshots the session for summarization and marks an
// eviction in flight. Exactly one eviction runs per session at a time.
// The returned release must be called when the eviction finishes,
// whether or not it committed.
func (r *Registry) BeginEviction(sessionID string) (*storage.Session, func(), error) {
	e, err := r.acquire(sessionID, false)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, nil, storage.ErrNotFound
	}
	if e.evicting {
		return nil, nil, ErrEvictionInFlight
	}
	e.evicting = true

	release := func() {
		e.mu.Lock()
		e.evicting = false
		e.mu.Unlock()
	}
	return copySession(e.session), release, nil
}

// CommitEviction removes the first count messages, substituting a marker
// that carries the archive pointer and its summary text. Appends that
// landed during summarization are unaffected because eviction only
// touches the prefix captured by BeginEviction. ActiveTokens drops by
// the evicted content cost and grows by the summary cost; TotalTokens
// tracks cost ever appended and is untouched, the marker is synthetic.
func (r *Registry) CommitEviction(sessionID string, count, evictedTokens int, archiveID, summaryText string, summaryTokens int) error {
	e, err := r.acquire(sessionID, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return storage.ErrNotFound
	}

	if count > len(e.session.Messages) {
		count = len(e.session.Messages)
	}

	content := fmt.Sprintf("[ARCHIVED CONTEXT - %s]", archiveID)
	if summaryText != "" {
		content += "\n" + summaryText
	}
	marker := storage.Message{
		Role:      storage.RoleSystem,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Archived:  true,
		ArchiveID: archiveID,
	}

	remaining := make([]storage.Message, 0, len(e.session.Messages)-count+1)
	remaining = append(remaining, marker)
	remaining = append(remaining, e.session.Messages[count:]...)

	e.session.Messages = remaining
	e.session.ActiveTokens -= evictedTokens
	if e.session.ActiveTokens < 0 {
		e.session.ActiveTokens = 0
	}
	e.session.ActiveTokens += summaryTokens
	e.session.ArchiveIDs = append(e.session.ArchiveIDs, archiveID)
	e.session.LastUpdated = time.Now().UTC()

	if err := r.store.SaveSession(e.session); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("eviction persist failed")
		return err
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("archive_id", archiveID).
		Int("evicted_messages", count).
		Int("evicted_tokens", evictedTokens).
		Msg("eviction committed")
	return nil
}

// Delete removes a session from memory and from the store. The entry is
// tombstoned so a writer that already holds it cannot resurrect the
// session by persisting after the store delete.
func (r *Registry) Delete(sessionID string) error {
	e, err := r.acquire(sessionID, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true

	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()

	return r.store.DeleteSession(sessionID)
}

// Evict drops a session from the in-memory map without touching disk.
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// CleanupBefore deletes sessions whose last access predates the cutoff.
// Returns the number of sessions removed.
func (r *Registry) CleanupBefore(cutoff time.Time) (int, error) {
	ids, err := r.store.SessionsAccessedBefore(cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := r.Delete(id); err != nil {
			logger.Warn().Err(err).Str("session_id", id).Msg("cleanup delete failed")
			continue
		}
		removed++
	}
	return removed, nil
}

func copySession(sess *storage.Session) *storage.Session {
	out := *sess
	out.Messages = make([]storage.Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	out.ArchiveIDs = append([]string(nil), sess.ArchiveIDs...)
	return &out
}
