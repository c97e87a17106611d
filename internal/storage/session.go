package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Session is a conversation's durable state: the full message log plus
// token accounting. ActiveTokens tracks the estimated cost of the current
// log; TotalTokens is cumulative over everything ever appended and never
// decreases, even across archival.
type Session struct {
	ID           string         `json:"session_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
	Messages     []Message      `json:"messages"`
	ActiveTokens int            `json:"active_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	ArchiveIDs   []string       `json:"archive_ids"`
	Metadata     map[string]any `json:"metadata"`
}

// SessionInfo is the sqlite summary row for a session.
type SessionInfo struct {
	ID            string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	TotalMessages int       `json:"total_messages"`
	ActiveTokens  int       `json:"active_tokens"`
	TotalTokens   int       `json:"total_tokens"`
	ArchiveCount  int       `json:"archive_count"`
}

// CreateSession records a new session. Returns ErrConflict if the id is
// already taken.
func (s *Store) CreateSession(sessionID string, metadata map[string]any) (*Session, error) {
	exists, err := s.SessionExists(sessionID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("create session %s: %w", sessionID, ErrConflict)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:          sessionID,
		CreatedAt:   now,
		LastUpdated: now,
		Messages:    []Message{},
		ArchiveIDs:  []string{},
		Metadata:    metadata,
	}

	if _, err := s.db.Exec(
		"INSERT INTO sessions (session_id, created_at, last_accessed, metadata) VALUES (?, ?, ?, ?)",
		sessionID, now, now, string(metaJSON),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := s.writeSessionFile(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM sessions WHERE session_id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadSession reads a session's full state from disk and touches its
// last_accessed timestamp.
func (s *Store) LoadSession(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.sessionFile(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}

	_, _ = s.db.Exec("UPDATE sessions SET last_accessed = ? WHERE session_id = ?", time.Now(), sessionID)
	return &sess, nil
}

// SaveSession persists a session's full state and syncs the summary row.
func (s *Store) SaveSession(sess *Session) error {
	if err := s.writeSessionFile(sess); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		UPDATE sessions
		SET last_accessed = ?, total_messages = ?, active_tokens = ?, total_tokens = ?
		WHERE session_id = ?`,
		time.Now(), len(sess.Messages), sess.ActiveTokens, sess.TotalTokens, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session row %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) writeSessionFile(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	path := s.sessionFile(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSessionInfo returns the sqlite summary row for a session.
func (s *Store) GetSessionInfo(sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	err := s.db.QueryRow(`
		SELECT session_id, created_at, last_accessed, total_messages, active_tokens, total_tokens, archive_count
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&info.ID, &info.CreatedAt, &info.LastAccessed, &info.TotalMessages,
		&info.ActiveTokens, &info.TotalTokens, &info.ArchiveCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListSessions returns summary rows ordered by most recently accessed.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT session_id, created_at, last_accessed, total_messages, active_tokens, total_tokens, archive_count
		FROM sessions ORDER BY last_accessed DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.LastAccessed, &info.TotalMessages,
			&info.ActiveTokens, &info.TotalTokens, &info.ArchiveCount); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// DeleteSession removes a session and cascades to its archives and index
// entries.
func (s *Store) DeleteSession(sessionID string) error {
	exists, err := s.SessionExists(sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	archives, err := s.ListArchives(sessionID)
	if err != nil {
		return err
	}
	for _, a := range archives {
		if err := os.Remove(s.archiveFile(a.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove archive file %s: %w", a.ID, err)
		}
	}

	if err := os.Remove(s.sessionFile(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file %s: %w", sessionID, err)
	}

	for _, stmt := range []string{
		"DELETE FROM content_index WHERE session_id = ?",
		"DELETE FROM archives WHERE session_id = ?",
		"DELETE FROM sessions WHERE session_id = ?",
	} {
		if _, err := s.db.Exec(stmt, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return nil
}

// SessionsAccessedBefore returns ids of sessions whose last access is
// older than the cutoff.
func (s *Store) SessionsAccessedBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query("SELECT session_id FROM sessions WHERE last_accessed < ?", cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CacheStats aggregates store-wide statistics.
type CacheStats struct {
	TotalSessions  int   `json:"total_sessions"`
	TotalMessages  int   `json:"total_messages"`
	TotalTokens    int   `json:"total_tokens"`
	TotalArchives  int   `json:"total_archives"`
	ArchivedTokens int   `json:"archived_tokens"`
	CacheSizeBytes int64 `json:"cache_size_bytes"`
}

// Stats returns store-wide statistics.
func (s *Store) Stats() (*CacheStats, error) {
	var stats CacheStats

	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total_messages), 0), COALESCE(SUM(total_tokens), 0)
		FROM sessions`)
	if err := row.Scan(&stats.TotalSessions, &stats.TotalMessages, &stats.TotalTokens); err != nil {
		return nil, err
	}

	row = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(original_tokens), 0) FROM archives`)
	if err := row.Scan(&stats.TotalArchives, &stats.ArchivedTokens); err != nil {
		return nil, err
	}

	size, err := s.DiskUsage()
	if err != nil {
		return nil, err
	}
	stats.CacheSizeBytes = size
	return &stats, nil
}
