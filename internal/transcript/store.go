// Package transcript persists conversation turns and their token usage.
// Entries are append-only and ordered per conversation by a sequence
// number assigned at insert time.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/genbridge/internal/llm"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one stored conversation turn.
type Entry struct {
	ID             string
	ConversationID string
	Seq            int
	Timestamp      time.Time
	Role           llm.Role
	Content        llm.Content
	InputTokens    int
	OutputTokens   int
}

// Summary holds aggregated totals for a set of entries.
type Summary struct {
	Turns             int
	FunctionCalls     int
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite transcript. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates a transcript database at dbPath. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		timestamp       TEXT NOT NULL,
		role            TEXT NOT NULL,
		parts           TEXT NOT NULL,
		function_calls  INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		UNIQUE (conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_timestamp ON transcript_entries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends turn to the conversation. It satisfies agent.Recorder.
func (s *Store) Record(ctx context.Context, conversationID string, turn llm.Content, usage llm.Usage) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate transcript entry ID: %w", err)
	}
	parts, err := json.Marshal(turn.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_entries WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcript_entries
			(id, conversation_id, seq, timestamp, role, parts, function_calls, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		conversationID,
		seq,
		s.now().UTC().Format(timeLayout),
		string(turn.Role),
		string(parts),
		len(turn.FunctionCalls()),
		usage.InputTokens,
		usage.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return tx.Commit()
}

// Entries returns a conversation's turns in the order they were recorded.
func (s *Store) Entries(ctx context.Context, conversationID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, timestamp, role, parts, input_tokens, output_tokens
		 FROM transcript_entries
		 WHERE conversation_id = ?
		 ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			ts    string
			role  string
			parts string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &ts, &role, &parts, &e.InputTokens, &e.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		e.ConversationID = conversationID
		e.Role = llm.Role(role)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of entry %s: %w", e.ID, err)
		}
		e.Content.Role = e.Role
		if err := json.Unmarshal([]byte(parts), &e.Content.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary returns totals for one conversation.
func (s *Store) Summary(ctx context.Context, conversationID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(function_calls), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM transcript_entries
		 WHERE conversation_id = ?`,
		conversationID,
	)

	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.FunctionCalls, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query transcript summary: %w", err)
	}
	return &sum, nil
}

// SummaryByRole returns the totals of one conversation split by the
// role of each turn. Roles with no turns are absent.
func (s *Store) SummaryByRole(ctx context.Context, conversationID string) (map[llm.Role]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, COUNT(*), COALESCE(SUM(function_calls), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM transcript_entries
		 WHERE conversation_id = ?
		 GROUP BY role`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript by role: %w", err)
	}
	defer rows.Close()

	result := make(map[llm.Role]*Summary)
	for rows.Next() {
		var role string
		var sum Summary
		if err := rows.Scan(&role, &sum.Turns, &sum.FunctionCalls, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan transcript by role: %w", err)
		}
		result[llm.Role(role)] = &sum
	}
	return result, rows.Err()
}
