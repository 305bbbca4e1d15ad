package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// Archive stores dead threads in Postgres, for deployments where the
// archive must outlive the node. Schema is managed by the migrate command.
type Archive struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres archive: %w", err)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		th.ID, th.ChannelID, th.CreatedAt, th.LastActivityAt, parts, msgs, th.Involved)
	if err != nil {
		return fmt.Errorf("archive thread %s: %w", th.ID, err)
	}
	return nil
}

func (a *Archive) Close() error { return a.db.Close() }
