package timeline

import (
	"context"
	"slices"
	"sync"

	"echo-rooms/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]model.Event
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]model.Event),
		eventIDs: make(map[string]map[string]int64),
	}
}

// Append 追加事件，seq 为该会话已有事件数 +1。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.eventIDs[sessionID]
	if evt.EventID != "" {
		if seq, ok := seen[evt.EventID]; ok {
			return seq, nil
		}
	}

	stored := *evt
	stored.Seq = int64(len(s.events[sessionID]) + 1)
	stored.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], stored)

	if evt.EventID != "" {
		if seen == nil {
			seen = make(map[string]int64)
			s.eventIDs[sessionID] = seen
		}
		seen[evt.EventID] = stored.Seq
	}
	return stored.Seq, nil
}

// List 返回副本，调用方修改不影响内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[sessionID]), nil
}

// Delete 删除会话的全部事件。
func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, sessionID)
	delete(s.eventIDs, sessionID)
	return nil
}
