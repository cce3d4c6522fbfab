package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJournal appends mailbox activity to a SQLite database
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) a journal database at path
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			priority TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			in_reply_to TEXT,
			created_at INTEGER NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordMessage stores a newly sent message
func (j *SQLiteJournal) RecordMessage(ctx context.Context, msg Message) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_agent, to_agent, subject, body, priority, thread_id, in_reply_to, created_at, read, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.FromAgentID, msg.ToAgentID, msg.Subject, msg.Body, string(msg.Priority),
		msg.ThreadID, msg.InReplyTo, msg.CreatedAt.UnixNano(), msg.Read, msg.Archived, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// RecordFlags updates the read and archived flags of a message
func (j *SQLiteJournal) RecordFlags(ctx context.Context, messageID string, read, archived bool) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE messages SET read = ?, archived = ?, updated_at = ? WHERE id = ?`,
		read, archived, time.Now().UnixNano(), messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}
	return nil
}

// Messages returns the journaled messages addressed to agentID, oldest first
func (j *SQLiteJournal) Messages(ctx context.Context, agentID string) ([]Message, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, subject, body, priority, thread_id, in_reply_to, created_at, read, archived
		FROM messages WHERE to_agent = ? ORDER BY created_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			priority  string
			subject   sql.NullString
			inReplyTo sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &subject, &m.Body, &priority,
			&m.ThreadID, &inReplyTo, &createdAt, &m.Read, &m.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Subject = subject.String
		m.InReplyTo = inReplyTo.String
		m.Priority = Priority(priority)
		m.CreatedAt = time.Unix(0, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
