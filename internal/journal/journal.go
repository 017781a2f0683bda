package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"StreamChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is an append-only sqlite log of finished chat exchanges.
// It is write-mostly: nothing reads it back to restore a session.
type Journal struct {
	db *sql.DB
}

// DSNForFile returns a sqlite DSN for path with WAL and a busy timeout
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("journal: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// Open opens (creating if needed) the journal database at path
func Open(path string) (*Journal, error) {
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			start_time DATETIME,
			backend TEXT,
			model TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, id);`,
	}
	for _, st := range stmts {
		if _, err := j.db.Exec(st); err != nil {
			return fmt.Errorf("failed to migrate journal: %w", err)
		}
	}
	return nil
}

// Record appends turns for sess in one transaction, registering the session on first use
func (j *Journal) Record(ctx context.Context, sess session.Context, turns ...session.Turn) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time, backend, model) VALUES (?, ?, ?, ?)",
		sess.ID, sess.StartTime, sess.Backend, sess.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for _, turn := range turns {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
			sess.ID, string(turn.Role), turn.Content, turn.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Messages returns the journaled turns of a session in insertion order
func (j *Journal) Messages(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	turns := []session.Turn{}
	for rows.Next() {
		var (
			turn session.Turn
			role string
		)
		if err := rows.Scan(&role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		turn.Role = session.Role(role)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return turns, nil
}
