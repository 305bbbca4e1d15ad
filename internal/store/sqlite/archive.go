package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// Archive stores dead threads in a local SQLite database. This is the
// default backend: zero external services, good enough for a single node.
type Archive struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS archived_threads (
	id               TEXT PRIMARY KEY,
	channel_id       TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	participants     TEXT NOT NULL,
	messages         TEXT NOT NULL,
	involved         INTEGER NOT NULL DEFAULT 0,
	archived_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_archived_threads_channel
	ON archived_threads (channel_id, archived_at);
`

// Open opens (creating if needed) the archive database at path. A leading
// "~/" expands to the user's home directory.
func Open(path string) (*Archive, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", expanded)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	// The archive is written by one sweeper; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Archive(ctx context.Context, th *thread.Thread) error {
	msgs, err := json.Marshal(th.Messages)
	if err != nil {
		return err
	}
	parts, err := json.Marshal(th.Participants)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO archived_threads
			(id, channel_id, created_at, last_activity_at, participants, messages, involved)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		th.ID, th.ChannelID, th.CreatedAt, th.LastActivityAt, string(parts), string(msgs), th.Involved)
	if err != nil {
		return fmt.Errorf("archive thread %s: %w", th.ID, err)
	}
	return nil
}

func (a *Archive) Close() error { return a.db.Close() }

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
