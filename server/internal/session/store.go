package session

import (
	"context"
	"errors"
	"time"

	"echo-rooms/server/internal/model"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrStoreUnavailable 表示持久化层故障。调用方不能在这种情况下继续推进会话。
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store 会话持久化边界，按 session id 做 get/put/delete，后写覆盖先写。
// 实现必须按值保存：Save 之后调用方继续修改会话不影响已存内容。
type Store interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error
	// Prune 删除最后一轮早于 before 的会话，返回删除数量。
	Prune(ctx context.Context, before time.Time) (int, error)
}
