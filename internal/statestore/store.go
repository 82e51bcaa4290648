// Package statestore persists isolated clients' session state
// (cookies, origin storage, whatever the tool server keeps in its
// working directory) as compressed snapshots in SQLite, so a user's
// session survives restarts and reconnects.
package statestore

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// maxFileSize caps a single persisted file. Larger files are skipped
// with no error; session state files are small.
const maxFileSize = 4 << 20 // 4 MiB

// Store handles session-state persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a session-state store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_states (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		state_gz BLOB NOT NULL,
		byte_size INTEGER NOT NULL,
		file_count INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_states_owner
		ON session_states(server_id, user_id, created_at DESC);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Save snapshots the files under dir and stores them as one compressed
// record for (serverID, userID). An empty or missing directory saves
// an empty snapshot.
func (s *Store) Save(serverID, userID, dir string) error {
	files, err := collectFiles(dir)
	if err != nil {
		return fmt.Errorf("collect session files: %w", err)
	}

	stateJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO session_states (id, server_id, user_id, created_at, state_gz, byte_size, file_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, NewID(), serverID, userID, now.Format(time.RFC3339Nano),
		compressed, len(compressed), len(files))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

// Restore writes the latest snapshot for (serverID, userID) into dir.
// Having no snapshot is not an error; the directory is left untouched.
func (s *Store) Restore(serverID, userID, dir string) error {
	row := s.db.QueryRow(`
		SELECT state_gz FROM session_states
		WHERE server_id = ? AND user_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, serverID, userID)

	var compressed []byte
	if err := row.Scan(&compressed); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("query snapshot: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	stateJSON, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	var files map[string][]byte
	if err := json.Unmarshal(stateJSON, &files); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	for rel, content := range files {
		// Snapshot keys are written as local relative paths; a row
		// edited outside this process must not escape the session dir.
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}

	return nil
}

// Prune removes all but the newest keep snapshots for (serverID, userID).
func (s *Store) Prune(serverID, userID string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM session_states
		WHERE server_id = ? AND user_id = ?
		AND id NOT IN (
			SELECT id FROM session_states
			WHERE server_id = ? AND user_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, serverID, userID, serverID, userID, keep)
	return err
}

// collectFiles reads every regular file under dir into a map keyed by
// slash-separated relative path. A missing dir yields an empty map.
func collectFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxFileSize {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
