package agentloop

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ Store = &SQLiteStore{}

// SQLiteStore implements Store on SQLite, for single-process deployments
// and tests (use ":memory:" as the path).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database file and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initDB() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		turns INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_run_id ON messages(run_id);`

	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, runID string, result *RunResult, conversation *Conversation) error {
	records, err := messageRecords(runID, conversation)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO runs (id, reason, turns, input_tokens, output_tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(result.Reason), result.Turns,
		result.Usage.InputTokens, result.Usage.OutputTokens, now)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, record := range records {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (run_id, seq, role, parts, created_at)
		VALUES (?, ?, ?, ?, ?)`,
			record.RunID, record.Seq, record.Role, record.Parts, now)
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", record.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadConversation(ctx context.Context, runID string) (*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT seq, role, parts
	FROM messages
	WHERE run_id = ?
	ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var record MessageRecord
		if err := rows.Scan(&record.Seq, &record.Role, &record.Parts); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		record.RunID = runID
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return conversationFromRecords(records)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, reason, turns, input_tokens, output_tokens, created_at
	FROM runs
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(&run.ID, &run.Reason, &run.Turns,
			&run.InputTokens, &run.OutputTokens, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}
