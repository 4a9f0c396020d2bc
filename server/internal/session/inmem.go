package session

import (
	"context"
	"sync"
	"time"

	"echo-rooms/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.Session
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；多实例部署需要换成 SQLite 或外部存储。
	return &InMemoryStore{data: make(map[string]*model.Session)}
}

// Get 根据 SessionID 获取会话副本。
func (s *InMemoryStore) Get(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// Save 保存或更新会话，存入的是副本。
func (s *InMemoryStore) Save(ctx context.Context, state *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state.Clone()
	return nil
}

// Delete 删除会话，不存在时返回 ErrNotFound。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// Prune 删除闲置会话。
func (s *InMemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, state := range s.data {
		if state.LastTurnAt.Before(before) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}
