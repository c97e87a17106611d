package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IndexEntry is one row of the content index: a coarse keyword/file-path
// inverted index over archives. Entries are created with their archive
// and deleted with it.
type IndexEntry struct {
	ContentID   string    `json:"content_id"`
	SessionID   string    `json:"session_id"`
	ArchiveID   string    `json:"archive_id"`
	ContentType string    `json:"content_type"`
	Keywords    []string  `json:"keywords"`
	FilePaths   []string  `json:"file_paths"`
	CreatedAt   time.Time `json:"created_at"`
}

// IndexContent records an index entry for an archive. The content id is
// derived from the archive, content type, and keyword set, so repeated
// indexing of the same content is idempotent.
func (s *Store) IndexContent(sessionID, archiveID, contentType string, keywords, filePaths []string) error {
	sum := sha256.Sum256([]byte(strings.Join(keywords, "")))
	contentID := fmt.Sprintf("%s_%s_%s", archiveID, contentType, hex.EncodeToString(sum[:])[:8])

	kwJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	fpJSON, err := json.Marshal(filePaths)
	if err != nil {
		return fmt.Errorf("marshal file paths: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT OR REPLACE INTO content_index (content_id, session_id, archive_id, content_type, keywords, file_paths)
		VALUES (?, ?, ?, ?, ?, ?)`,
		contentID, sessionID, archiveID, contentType, string(kwJSON), string(fpJSON),
	); err != nil {
		return fmt.Errorf("index content %s: %w", contentID, err)
	}
	return nil
}

// SearchContent returns archive ids whose index entries contain any of
// the given keywords or file paths (OR semantics, substring containment).
// This is a coarse recall filter; precision belongs to the retrieval
// engine.
func (s *Store) SearchContent(sessionID string, keywords, filePaths []string) ([]string, error) {
	found := make(map[string]struct{})

	lookup := func(column string, terms []string) error {
		for _, term := range terms {
			if term == "" {
				continue
			}
			rows, err := s.db.Query(
				"SELECT DISTINCT archive_id FROM content_index WHERE session_id = ? AND "+column+" LIKE ?",
				sessionID, "%"+term+"%",
			)
			if err != nil {
				return err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				found[id] = struct{}{}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		return nil
	}

	if err := lookup("keywords", keywords); err != nil {
		return nil, fmt.Errorf("search keywords: %w", err)
	}
	if err := lookup("file_paths", filePaths); err != nil {
		return nil, fmt.Errorf("search file paths: %w", err)
	}

	result := make([]string, 0, len(found))
	for id := range found {
		result = append(result, id)
	}
	return result, nil
}
