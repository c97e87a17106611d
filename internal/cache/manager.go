// Package cache composes the storage, budget, summary, and retrieval
// layers into the context cache: record exchanges, evict into archives
// when the budget demands it, and reinject archived context on demand.
package cache

import (
	"context"
	"errors"
	"time"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/retrieval"
	"ctxproxy/internal/session"
	"ctxproxy/internal/storage"
	"ctxproxy/internal/summary"
	"ctxproxy/pkg/logger"
)

// Manager is the cache facade the gateway and CLI talk to.
type Manager struct {
	store      *storage.Store
	registry   *session.Registry
	budget     *budget.Manager
	summarizer *summary.Summarizer
	engine     *retrieval.Engine
	events     EventSink
}

// New creates a cache manager. events may be nil.
func New(store *storage.Store, registry *session.Registry, budgetMgr *budget.Manager,
	summarizer *summary.Summarizer, engine *retrieval.Engine, events EventSink) *Manager {
	return &Manager{
		store:      store,
		registry:   registry,
		budget:     budgetMgr,
		summarizer: summarizer,
		engine:     engine,
		events:     events,
	}
}

// Budget exposes the budget manager for limit hot-reload.
func (m *Manager) Budget() *budget.Manager {
	return m.budget
}

// Resolve maps a request's session id to a live session, creating one if
// needed.
func (m *Manager) Resolve(sessionID string) (string, error) {
	existed := sessionID != ""
	if existed {
		existed, _ = m.store.SessionExists(sessionID)
	}

	id, err := m.registry.Resolve(sessionID)
	if err != nil {
		return "", err
	}
	if !existed {
		m.publish(Event{Type: EventSessionCreated, SessionID: id})
	}
	return id, nil
}

// Exists reports whether a session is known to the store.
func (m *Manager) Exists(sessionID string) (bool, error) {
	return m.store.SessionExists(sessionID)
}

// RecordExchange appends messages to the session log and returns the
// updated state.
func (m *Manager) RecordExchange(sessionID string, msgs ...storage.Message) (*storage.Session, error) {
	return m.registry.Append(sessionID, msgs...)
}

// MaybeArchive runs one eviction cycle if the session is over budget.
// It returns the new archive id, or "" when nothing was evicted. A
// failed cycle is not retried; the budget check fires again on the next
// exchange.
func (m *Manager) MaybeArchive(ctx context.Context, sessionID string) (string, error) {
	snap, release, err := m.registry.BeginEviction(sessionID)
	if errors.Is(err, session.ErrEvictionInFlight) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer release()

	if !m.budget.ShouldEvict(snap.ActiveTokens) {
		return "", nil
	}
	count, tokens := m.budget.PlanEviction(snap.Messages, snap.ActiveTokens)
	if count == 0 {
		return "", nil
	}

	return m.archiveBatch(ctx, sessionID, snap.Messages[:count], count, tokens)
}

// ForceArchive archives the log head regardless of budget state, keeping
// the most recent keepRecent messages active. Used by the manual archive
// endpoint.
func (m *Manager) ForceArchive(ctx context.Context, sessionID string, keepRecent int) (string, error) {
	snap, release, err := m.registry.BeginEviction(sessionID)
	if errors.Is(err, session.ErrEvictionInFlight) {
		return "", session.ErrEvictionInFlight
	}
	if err != nil {
		return "", err
	}
	defer release()

	if keepRecent < 0 {
		keepRecent = 0
	}
	count := len(snap.Messages) - keepRecent
	if count <= 0 {
		return "", nil
	}

	batch := snap.Messages[:count]
	tokens := 0
	for i := range batch {
		tokens += m.budget.Estimator().EstimateContent(&batch[i])
	}
	return m.archiveBatch(ctx, sessionID, batch, count, tokens)
}

// archiveBatch is the commit half of an eviction: summarize outside the
// session gate, then persist the archive, index it, and splice the log.
// The caller holds the eviction slot, so the batch prefix cannot change
// underneath the summarizer.
func (m *Manager) archiveBatch(ctx context.Context, sessionID string, batch []storage.Message, count, tokens int) (string, error) {
	meta := budget.ExtractMetadata(batch)
	meta.Keywords = summary.ExtractKeywords(batch)

	target := m.budget.SummaryTarget(tokens)
	text, err := m.summarizer.Generate(ctx, batch, meta, target)
	fellBack := false
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("summarizer unavailable, using fallback")
		text = m.summarizer.Fallback(batch, meta)
		fellBack = true
	}

	summaryTokens := m.budget.Estimator().EstimateText(text)
	archiveID, err := m.store.PutArchive(sessionID, batch, text, tokens, summaryTokens, meta)
	if err != nil {
		return "", err
	}

	if err := m.store.IndexContent(sessionID, archiveID, "conversation", meta.Keywords, meta.FilePaths); err != nil {
		logger.Warn().Err(err).Str("archive_id", archiveID).Msg("content indexing failed")
	}

	if err := m.registry.CommitEviction(sessionID, count, tokens, archiveID, text, summaryTokens); err != nil {
		return archiveID, err
	}

	m.publish(Event{
		Type:      EventArchiveCreated,
		SessionID: sessionID,
		ArchiveID: archiveID,
		Details: map[string]any{
			"evicted_messages": count,
			"original_tokens":  tokens,
			"summary_tokens":   summaryTokens,
			"fallback_summary": fellBack,
		},
	})
	return archiveID, nil
}

// RetrieveContext returns archived summaries relevant to the query as
// injectable messages. Retrieval failures degrade silently: the request
// proceeds without archived context.
func (m *Manager) RetrieveContext(sessionID, query string) []storage.Message {
	msgs, err := m.engine.Retrieve(sessionID, query)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("retrieval failed")
		return nil
	}
	return msgs
}

// Suggestions returns scored archive candidates for a query without
// building messages.
func (m *Manager) Suggestions(sessionID, query string) ([]retrieval.Match, error) {
	return m.engine.Match(sessionID, query)
}

// Snapshot returns a copy of the session's live state.
func (m *Manager) Snapshot(sessionID string) (*storage.Session, error) {
	return m.registry.Snapshot(sessionID)
}

// Summary returns the budget state of a session.
func (m *Manager) Summary(sessionID string) (*budget.ContextSummary, error) {
	snap, err := m.registry.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	s := m.budget.Summary(snap.ActiveTokens, snap.TotalTokens, len(snap.Messages), len(snap.ArchiveIDs))
	return &s, nil
}

// Validate checks a session's counters against the configured limits.
func (m *Manager) Validate(sessionID string) (*budget.ValidationResult, error) {
	snap, err := m.registry.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	r := m.budget.Validate(snap.ActiveTokens, snap.TotalTokens)
	return &r, nil
}

// Delete removes a session with everything derived from it.
func (m *Manager) Delete(sessionID string) error {
	if err := m.registry.Delete(sessionID); err != nil {
		return err
	}
	m.publish(Event{Type: EventSessionDeleted, SessionID: sessionID})
	return nil
}

// List returns session summary rows, most recently used first.
func (m *Manager) List(limit int) ([]storage.SessionInfo, error) {
	return m.store.ListSessions(limit)
}

// Archives returns archive summary rows for a session.
func (m *Manager) Archives(sessionID string) ([]storage.ArchiveInfo, error) {
	return m.store.ListArchives(sessionID)
}

// Archive loads one full archive.
func (m *Manager) Archive(archiveID string) (*storage.Archive, error) {
	return m.store.GetArchive(archiveID)
}

// Stats returns store-wide statistics.
func (m *Manager) Stats() (*storage.CacheStats, error) {
	return m.store.Stats()
}

func (m *Manager) publish(ev Event) {
	if m.events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	m.events.Publish(ev)
}
