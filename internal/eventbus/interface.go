package eventbus

import "context"

// EventBus 按会话 ID 广播生命周期事件，供前端或审计订阅
type EventBus interface {
	Publish(ctx context.Context, sessionID string, event Event) error
	// Subscribe 返回的 channel 在 ctx 取消后关闭
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
}
