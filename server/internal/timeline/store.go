package timeline

import (
	"context"

	"echo-rooms/server/internal/model"
)

// Store 是会话的只追加审计日志：用户消息、工具调用、回复、剧情事件与结局。
type Store interface {
	// Append 写入一条事件并返回分配的 seq。
	// 同一 session 的 seq 单调递增；相同 EventID 重复写入返回已分配的 seq。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 按 seq 顺序返回会话的全部事件。
	List(ctx context.Context, sessionID string) ([]model.Event, error)
	// Delete 删除会话的全部事件。
	Delete(ctx context.Context, sessionID string) error
}

// AppendAll 依次追加多条事件，遇错即停。
func AppendAll(ctx context.Context, s Store, sessionID string, events []model.Event) error {
	for i := range events {
		if _, err := s.Append(ctx, sessionID, &events[i]); err != nil {
			return err
		}
	}
	return nil
}
