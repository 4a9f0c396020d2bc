// Package memory 保存跨会话的玩家记忆：上一局结束时的好感度会随时间衰减，
// 并在同一玩家开新局时作为初始值带入。
package memory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"echo-rooms/server/internal/affinity"
	"echo-rooms/server/internal/model"
)

var ErrNotFound = errors.New("player memory not found")

// Record 是一个玩家的记忆。
type Record struct {
	ParticipantID string             `json:"participant_id"`
	Affinity      map[string]float64 `json:"affinity"`
	Playthroughs  int                `json:"playthroughs"`
	LastEnding    string             `json:"last_ending,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Store 玩家记忆存储。
type Store interface {
	Get(ctx context.Context, participantID string) (*Record, error)
	Save(ctx context.Context, r *Record) error
	Delete(ctx context.Context, participantID string) error
}

// Options 记忆策略。
type Options struct {
	// Windows 结局标签 → 记忆保留时长，超过即遗忘。
	Windows       map[string]time.Duration
	DefaultWindow time.Duration
	DecayPerHour  float64
}

// Manager 负责在结局时写入记忆、在开局时读取并衰减。
type Manager struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// NewManager 创建记忆管理器。
func NewManager(store Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 30 * time.Minute
	}
	return &Manager{store: store, opts: opts, logger: logger.With("component", "memory")}
}

// Window 返回某个结局的记忆保留时长。
func (m *Manager) Window(endingTag string) time.Duration {
	if w, ok := m.opts.Windows[endingTag]; ok && w > 0 {
		return w
	}
	return m.opts.DefaultWindow
}

// Remember 在会话结束时记录好感度快照。每次调用计一局，
// 调用方只应在结局首次判定时调用。
func (m *Manager) Remember(ctx context.Context, sess *model.Session, snapshot map[string]float64, now time.Time) error {
	if sess.ParticipantID == "" || sess.Ending == nil {
		return nil
	}
	rec, err := m.store.Get(ctx, sess.ParticipantID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &Record{ParticipantID: sess.ParticipantID}
	case err != nil:
		return err
	}
	rec.Affinity = maps.Clone(snapshot)
	rec.LastEnding = sess.Ending.Tag
	rec.Playthroughs++
	rec.UpdatedAt = now
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("player memory saved", "participant_id", rec.ParticipantID, "ending", rec.LastEnding, "playthroughs", rec.Playthroughs)
	return nil
}

// Seed 把衰减后的记忆写入新会话，返回是否为回归玩家。
// 超过保留时长的记忆会被删除。
func (m *Manager) Seed(ctx context.Context, sess *model.Session, now time.Time) (bool, error) {
	if sess.ParticipantID == "" {
		return false, nil
	}
	rec, err := m.store.Get(ctx, sess.ParticipantID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	elapsed := now.Sub(rec.UpdatedAt)
	if elapsed > m.Window(rec.LastEnding) {
		if err := m.store.Delete(ctx, rec.ParticipantID); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		m.logger.Info("player memory expired", "participant_id", rec.ParticipantID, "ending", rec.LastEnding, "elapsed", elapsed)
		return false, nil
	}

	scores := maps.Clone(rec.Affinity)
	affinity.DecayMap(scores, elapsed, m.opts.DecayPerHour)
	if sess.Affinity == nil {
		sess.Affinity = make(map[string]float64, len(scores))
	}
	maps.Copy(sess.Affinity, scores)
	return true, nil
}

// InMemoryStore 内存实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Record)}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Affinity = maps.Clone(r.Affinity)
	return &r, nil
}

func (s *InMemoryStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.Affinity = maps.Clone(r.Affinity)
	s.data[r.ParticipantID] = c
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}
