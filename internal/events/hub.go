package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub 是进程内的事件总线，供 SSE 等订阅者使用。慢订阅者的事件会被丢弃。
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
}

// NewHub 创建事件总线，buffer 为每个订阅者的缓冲长度。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Channel 实现 Notifier。
func (h *Hub) Channel() Channel { return ChannelHub }

// Notify 非阻塞地投递给全部订阅者。
func (h *Hub) Notify(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe 注册订阅者，返回的 cancel 会关闭通道。
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers 返回当前订阅者数量。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 返回因订阅者缓冲已满而丢弃的事件数。
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
