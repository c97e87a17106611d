// Package storage persists sessions, archives, and the content index.
// Message logs and archives live in JSON files under the cache directory;
// sqlite carries the relational index and summary statistics.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"ctxproxy/internal/config"
	"ctxproxy/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// Store is the durable cache store.
type Store struct {
	db          *sql.DB
	dir         string
	sessionsDir string
	archivesDir string
}

// Open opens (or creates) the cache store rooted at dir.
func Open(dir string) (*Store, error) {
	expanded, err := config.ExpandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("expand cache dir: %w", err)
	}

	s := &Store{
		dir:         expanded,
		sessionsDir: filepath.Join(expanded, "sessions"),
		archivesDir: filepath.Join(expanded, "archives"),
	}

	for _, d := range []string{s.dir, s.sessionsDir, s.archivesDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(expanded, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s.db = db
	return s, nil
}

// Dir returns the cache directory root.
func (s *Store) Dir() string {
	return s.dir
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionFile(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID+".json")
}

func (s *Store) archiveFile(archiveID string) string {
	return filepath.Join(s.archivesDir, archiveID+".json")
}

// DiskUsage returns the total size in bytes of all files under the cache
// directory.
func (s *Store) DiskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(s.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
