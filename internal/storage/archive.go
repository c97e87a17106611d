package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// TimeRange is an inclusive timestamp span.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// ArchiveMetadata carries signals extracted from an archived batch, used
// for indexing and retrieval scoring.
type ArchiveMetadata struct {
	MessageCount   int       `json:"message_count"`
	FilePaths      []string  `json:"file_paths"`
	Keywords       []string  `json:"keywords"`
	ToolsUsed      []string  `json:"tools_used"`
	TimestampRange TimeRange `json:"timestamp_range"`
}

// Archive is an immutable compressed record of evicted messages. Once
// written it is never modified; it is deleted only when its owning
// session is deleted.
type Archive struct {
	ID             string          `json:"archive_id"`
	SessionID      string          `json:"session_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Messages       []Message       `json:"messages"`
	Summary        string          `json:"summary"`
	OriginalTokens int             `json:"original_tokens"`
	SummaryTokens  int             `json:"summary_tokens"`
	ContentHash    string          `json:"content_hash"`
	Metadata       ArchiveMetadata `json:"metadata"`
}

// ArchiveInfo is the sqlite summary row for an archive.
type ArchiveInfo struct {
	ID             string    `json:"archive_id"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	MessageRange   string    `json:"message_range"`
	OriginalTokens int       `json:"original_tokens"`
	SummaryTokens  int       `json:"summary_tokens"`
	ContentHash    string    `json:"content_hash"`
}

// PutArchive writes a new immutable archive and returns its id. The id
// embeds the session, a timestamp, and the first 8 hex chars of a
// content hash over the serialized batch, so it is short, traceable,
// and collision-resistant.
func (s *Store) PutArchive(sessionID string, messages []Message, summary string,
	originalTokens, summaryTokens int, metadata ArchiveMetadata) (string, error) {

	serialized, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshal archive batch: %w", err)
	}
	sum := sha256.Sum256(serialized)
	contentHash := hex.EncodeToString(sum[:])[:8]

	now := time.Now()
	archiveID := fmt.Sprintf("%s_archive_%s_%s", sessionID, now.Format("20060102_150405"), contentHash)

	archive := &Archive{
		ID:             archiveID,
		SessionID:      sessionID,
		CreatedAt:      now,
		Messages:       messages,
		Summary:        summary,
		OriginalTokens: originalTokens,
		SummaryTokens:  summaryTokens,
		ContentHash:    contentHash,
		Metadata:       metadata,
	}

	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive %s: %w", archiveID, err)
	}
	if err := os.WriteFile(s.archiveFile(archiveID), data, 0644); err != nil {
		return "", fmt.Errorf("write archive %s: %w", archiveID, err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal archive metadata: %w", err)
	}

	messageRange := fmt.Sprintf("0-%d", len(messages))
	if _, err := s.db.Exec(`
		INSERT INTO archives (archive_id, session_id, created_at, message_range, original_tokens, summary_tokens, content_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		archiveID, sessionID, now, messageRange, originalTokens, summaryTokens, contentHash, string(metaJSON),
	); err != nil {
		os.Remove(s.archiveFile(archiveID))
		return "", fmt.Errorf("insert archive row %s: %w", archiveID, err)
	}

	if _, err := s.db.Exec(
		"UPDATE sessions SET archive_count = archive_count + 1 WHERE session_id = ?", sessionID,
	); err != nil {
		return "", fmt.Errorf("bump archive count: %w", err)
	}

	return archiveID, nil
}

// GetArchive loads an archive by id.
func (s *Store) GetArchive(archiveID string) (*Archive, error) {
	data, err := os.ReadFile(s.archiveFile(archiveID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive %s: %w", archiveID, ErrNotFound)
		}
		return nil, fmt.Errorf("read archive %s: %w", archiveID, err)
	}

	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", archiveID, err)
	}
	return &archive, nil
}

// ListArchives returns archive summary rows for a session, newest first.
func (s *Store) ListArchives(sessionID string) ([]ArchiveInfo, error) {
	rows, err := s.db.Query(`
		SELECT archive_id, session_id, created_at, message_range, original_tokens, summary_tokens, content_hash
		FROM archives WHERE session_id = ? ORDER BY created_at DESC, archive_id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ArchiveInfo
	for rows.Next() {
		var info ArchiveInfo
		if err := rows.Scan(&info.ID, &info.SessionID, &info.CreatedAt, &info.MessageRange,
			&info.OriginalTokens, &info.SummaryTokens, &info.ContentHash); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// GetArchiveInfo returns the sqlite summary row for an archive.
func (s *Store) GetArchiveInfo(archiveID string) (*ArchiveInfo, error) {
	var info ArchiveInfo
	err := s.db.QueryRow(`
		SELECT archive_id, session_id, created_at, message_range, original_tokens, summary_tokens, content_hash
		FROM archives WHERE archive_id = ?`, archiveID,
	).Scan(&info.ID, &info.SessionID, &info.CreatedAt, &info.MessageRange,
		&info.OriginalTokens, &info.SummaryTokens, &info.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive %s: %w", archiveID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}
