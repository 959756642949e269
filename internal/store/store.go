// Package store persists the local mailbox replica in a DuckDB file under
// the data directory, keyed by Gmail message ID.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/mailduck-io/mailduck/internal/message"
)

// DBFile is the replica file name inside the data directory.
const DBFile = "messages.duckdb"

// Store is the single-writer replica handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the replica under dataDir and applies the
// schema.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("duckdb", filepath.Join(dataDir, DBFile))
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// One connection: one writer, and session-level settings stay coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

//go:embed schema.sql
var schemaSQL string

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Has reports whether a message row exists.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE message_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", id, err)
	}
	return true, nil
}

const messageColumns = `message_id, thread_id, sender, recipients, labels,
	subject, body, size, timestamp, is_read, is_outgoing, last_indexed`

// Get returns one message row, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &msg, nil
}

// Insert adds a new row. Existing rows are left untouched; first write wins
// for the immutable fields.
func (s *Store) Insert(ctx context.Context, m message.Message) error {
	sender, recipients, labels, err := encodeJSON(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(message_id, thread_id, sender, recipients, labels, subject, body,
		 size, timestamp, is_read, is_outgoing, last_indexed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, m.ID, m.ThreadID, sender, recipients, labels, m.Subject, m.Body,
		m.Size, m.Timestamp, m.IsRead, m.IsOutgoing, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// RefreshMetadata updates only the mutable fields of an existing row:
// labels, read flag, last_indexed. Body, subject and sender stay as first
// synced.
func (s *Store) RefreshMetadata(ctx context.Context, id string, labels []string, isRead bool) error {
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages
		SET labels = ?, is_read = ?, last_indexed = ?
		WHERE message_id = ?
	`, string(labelsJSON), isRead, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("refresh metadata for %s: %w", id, err)
	}
	return nil
}

// Put overwrites the whole row, inserting if absent. Used by sync-message
// for targeted backfill or repair.
func (s *Store) Put(ctx context.Context, m message.Message) error {
	sender, recipients, labels, err := encodeJSON(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(message_id, thread_id, sender, recipients, labels, subject, body,
		 size, timestamp, is_read, is_outgoing, last_indexed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			sender = excluded.sender,
			recipients = excluded.recipients,
			labels = excluded.labels,
			subject = excluded.subject,
			body = excluded.body,
			size = excluded.size,
			timestamp = excluded.timestamp,
			is_read = excluded.is_read,
			is_outgoing = excluded.is_outgoing,
			last_indexed = excluded.last_indexed
	`, m.ID, m.ThreadID, sender, recipients, labels, m.Subject, m.Body,
		m.Size, m.Timestamp, m.IsRead, m.IsOutgoing, s.now().UTC())
	if err != nil {
		return fmt.Errorf("put message %s: %w", m.ID, err)
	}
	return nil
}

// Checkpoint returns the persisted sync high-water mark, or the zero time if
// no sync has completed yet.
func (s *Store) Checkpoint(ctx context.Context) (time.Time, error) {
	var cp sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM sync_state WHERE id = 1`).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if !cp.Valid {
		return time.Time{}, nil
	}
	return cp.Time.UTC(), nil
}

// SetCheckpoint persists a new high-water mark.
func (s *Store) SetCheckpoint(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, checkpoint, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			checkpoint = excluded.checkpoint,
			updated_at = excluded.updated_at
	`, t.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// BeginRun records the start of a sync run and returns its ID.
func (s *Store) BeginRun(ctx context.Context, mode string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, mode, started_at, status)
		VALUES (?, ?, ?, 'RUNNING')
	`, runID, mode, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("begin sync run: %w", err)
	}
	return runID, nil
}

// FinishRun closes out a sync run row with its outcome.
func (s *Store) FinishRun(ctx context.Context, runID, status, errMsg string, inserted, updated, skipped int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, status = ?, error = ?,
		    inserted = ?, updated = ?, skipped = ?
		WHERE run_id = ?
	`, s.now().UTC(), status, errMsg, inserted, updated, skipped, runID)
	if err != nil {
		return fmt.Errorf("finish sync run %s: %w", runID, err)
	}
	return nil
}

// ListRecent returns the newest rows by message timestamp.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CountMessages returns the replica row count.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SenderCount ranks one sender address by message volume.
type SenderCount struct {
	Email string
	Count int64
}

// TopSenders returns the n most frequent sender addresses.
func (s *Store) TopSenders(ctx context.Context, n int) ([]SenderCount, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract_string(sender, '$.email') AS email, COUNT(*) AS cnt
		FROM messages
		WHERE json_extract_string(sender, '$.email') IS NOT NULL
		GROUP BY 1
		ORDER BY cnt DESC, email
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("top senders: %w", err)
	}
	defer rows.Close()

	var out []SenderCount
	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.Email, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan sender row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LabelCounts returns a histogram of label occurrences across the replica.
// Labels live in a JSON array column, so the unpacking happens here rather
// than in SQL.
func (s *Store) LabelCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT labels FROM messages WHERE labels IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("label counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan labels row: %w", err)
		}
		var labels []string
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			continue
		}
		for _, l := range labels {
			counts[l]++
		}
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (message.Message, error) {
	var m message.Message
	var sender, recipients string
	var labels, threadID, subject, body sql.NullString
	var timestamp, lastIndexed sql.NullTime
	err := row.Scan(&m.ID, &threadID, &sender, &recipients, &labels,
		&subject, &body, &m.Size, &timestamp, &m.IsRead, &m.IsOutgoing, &lastIndexed)
	if err != nil {
		return message.Message{}, err
	}
	m.ThreadID = threadID.String
	m.Subject = subject.String
	m.Body = body.String
	if timestamp.Valid {
		m.Timestamp = timestamp.Time.UTC()
	}
	if lastIndexed.Valid {
		m.LastIndexed = lastIndexed.Time.UTC()
	}
	if err := json.Unmarshal([]byte(sender), &m.Sender); err != nil {
		return message.Message{}, fmt.Errorf("decode sender: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return message.Message{}, fmt.Errorf("decode recipients: %w", err)
	}
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &m.Labels); err != nil {
			return message.Message{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	return m, nil
}

func encodeJSON(m message.Message) (sender, recipients, labels string, err error) {
	sb, err := json.Marshal(m.Sender)
	if err != nil {
		return "", "", "", fmt.Errorf("encode sender for %s: %w", m.ID, err)
	}
	rb, err := json.Marshal(m.Recipients)
	if err != nil {
		return "", "", "", fmt.Errorf("encode recipients for %s: %w", m.ID, err)
	}
	lb, err := json.Marshal(m.Labels)
	if err != nil {
		return "", "", "", fmt.Errorf("encode labels for %s: %w", m.ID, err)
	}
	return string(sb), string(rb), string(lb), nil
}
