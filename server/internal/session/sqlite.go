package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"echo-rooms/server/internal/model"

	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT PRIMARY KEY,
    participant_id TEXT NOT NULL,
    state_json     BLOB NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// SQLiteStore 基于 SQLite 的会话存储。会话整体以 JSON 存储。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开并初始化 SQLite 存储。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB 返回底层连接，供同库的其他表（记忆、时间线）复用。
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close 关闭连接。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get 读取会话。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE session_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(ctx, "get session", err)
	}
	var state model.Session
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: decode session %s: %v", ErrStoreUnavailable, id, err)
	}
	return &state, nil
}

// Save 写入或覆盖会话。
func (s *SQLiteStore) Save(ctx context.Context, state *model.Session) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, participant_id, state_json, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		    participant_id = excluded.participant_id,
		    state_json = excluded.state_json,
		    updated_at = excluded.updated_at`,
		state.SessionID, state.ParticipantID, payload, state.LastTurnAt.UTC().UnixMilli(),
	)
	if err != nil {
		return unavailable(ctx, "save session", err)
	}
	return nil
}

// Delete 删除会话。
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return unavailable(ctx, "delete session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune 删除闲置会话。
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, unavailable(ctx, "prune sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// unavailable 把底层错误归类为 ErrStoreUnavailable；ctx 取消保持原样。
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
