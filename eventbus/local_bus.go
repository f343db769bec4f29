// Package eventbus 提供了进程内的发布/订阅通信模型。
// 交互写路径通过它把失效信号解耦地投递给缓存层。
package eventbus

import (
	"context"
	"sync"

	"github.com/wyfcoding/recsys/async"
)

// Event 总线上流转的事件。
type Event interface {
	EventType() string
}

// Handler 事件处理函数。
type Handler func(ctx context.Context, event Event) error

// LocalBus 基于内存的本地事件总线实现。
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// NewLocalBus 创建一个新的本地事件总线。
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string][]Handler),
	}
}

// Publish 发布事件到总线。
// 处理器异步执行以保证发布者的性能，panic 由 async 统一恢复。
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers, ok := b.subscribers[event.EventType()]
	b.mu.RUnlock()

	if !ok {
		return nil
	}

	for _, handler := range handlers {
		h := handler
		async.SafeGo(func() {
			_ = h(ctx, event)
		})
	}

	return nil
}

// Subscribe 订阅特定主题的事件。
func (b *LocalBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Unsubscribe 取消订阅主题。
func (b *LocalBus) Unsubscribe(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, topic)
}
