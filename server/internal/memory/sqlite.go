package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS player_memory (
    participant_id TEXT PRIMARY KEY,
    affinity_json  TEXT NOT NULL,
    playthroughs   INTEGER NOT NULL DEFAULT 0,
    last_ending    TEXT NOT NULL DEFAULT '',
    updated_at     INTEGER NOT NULL
);
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
	if _, err := db.Exec(memorySchema); err != nil {
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		affinityJSON string
		updatedAt    int64
		rec          = Record{ParticipantID: id}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT affinity_json, playthroughs, last_ending, updated_at FROM player_memory WHERE participant_id = ?`, id,
	).Scan(&affinityJSON, &rec.Playthroughs, &rec.LastEnding, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player memory: %w", err)
	}
	if err := json.Unmarshal([]byte(affinityJSON), &rec.Affinity); err != nil {
		return nil, fmt.Errorf("decode player memory: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	payload, err := json.Marshal(r.Affinity)
	if err != nil {
		return fmt.Errorf("encode player memory: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO player_memory (participant_id, affinity_json, playthroughs, last_ending, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(participant_id) DO UPDATE SET
		    affinity_json = excluded.affinity_json,
		    playthroughs = excluded.playthroughs,
		    last_ending = excluded.last_ending,
		    updated_at = excluded.updated_at`,
		r.ParticipantID, string(payload), r.Playthroughs, r.LastEnding, r.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save player memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM player_memory WHERE participant_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete player memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
