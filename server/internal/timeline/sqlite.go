package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"echo-rooms/server/internal/model"
)

const timelineSchema = `
CREATE TABLE IF NOT EXISTS timeline_events (
    session_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    event_id   TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    event_json TEXT NOT NULL,
    server_ts  INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_event_id
    ON timeline_events(session_id, event_id) WHERE event_id != '';
`

// SQLiteStore 与会话共用同一个 SQLite 库。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 在给定连接上建表。
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite db is required")
	}
	if _, err := db.Exec(timelineSchema); err != nil {
		return nil, fmt.Errorf("init timeline schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append 在一个事务里分配 seq 并写入。
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if evt.EventID != "" {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM timeline_events WHERE session_id = ? AND event_id = ?`, sessionID, evt.EventID,
		).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("lookup event id: %w", err)
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM timeline_events WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	stored := *evt
	stored.Seq = last + 1
	stored.SessionID = sessionID
	if stored.ServerTS.IsZero() {
		stored.ServerTS = time.Now().UTC()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO timeline_events (session_id, seq, event_id, event_type, event_json, server_ts) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, stored.Seq, stored.EventID, stored.Type, string(payload), stored.ServerTS.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return stored.Seq, nil
}

// List 按 seq 顺序读取。
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_json FROM timeline_events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt model.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Delete 删除会话的全部事件。
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM timeline_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}
