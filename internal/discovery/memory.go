package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"OpenMCP-Pilot/internal/await"
)

// MemoryTransport 在进程内实现发现协议，主要用于测试与单机演示。
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string]memoryEndpoint
	closed   bool
}

type memoryEndpoint struct {
	addr    Address
	handler Handler
}

// NewMemoryTransport 创建进程内传输。
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{handlers: make(map[string]memoryEndpoint)}
}

// Register 注册一个提供方，返回注销函数。
func (t *MemoryTransport) Register(addr Address, handler Handler) func() {
	t.mu.Lock()
	t.handlers[addr.Key()] = memoryEndpoint{addr: addr, handler: handler}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, addr.Key())
		t.mu.Unlock()
	}
}

func (t *MemoryTransport) endpoints() ([]memoryEndpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, errors.New("传输已关闭")
	}
	out := make([]memoryEndpoint, 0, len(t.handlers))
	for _, ep := range t.handlers {
		out = append(out, ep)
	}
	return out, nil
}

// Broadcast 实现 Transport。
func (t *MemoryTransport) Broadcast(ctx context.Context, req Request) (int, <-chan Reply, error) {
	eps, err := t.endpoints()
	if err != nil {
		return 0, nil, err
	}
	out := make(chan Reply, len(eps))
	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		go func(ep memoryEndpoint) {
			defer wg.Done()
			if reply, ok := invoke(ctx, ep.handler, req); ok {
				out <- reply
			}
		}(ep)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return len(eps), out, nil
}

// Call 实现 Transport。
func (t *MemoryTransport) Call(ctx context.Context, to Address, req Request) (Reply, error) {
	t.mu.RLock()
	ep, ok := t.handlers[to.Key()]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return Reply{}, errors.New("传输已关闭")
	}
	if !ok {
		return Reply{}, fmt.Errorf("提供方 %s 未注册", to.Key())
	}
	reply, delivered := invoke(ctx, ep.handler, req)
	if !delivered {
		return Reply{}, ctx.Err()
	}
	return reply, nil
}

// invoke 在 ctx 截止前等待处理函数的回复。
func invoke(ctx context.Context, handler Handler, req Request) (Reply, bool) {
	res := await.Do(ctx, 0, func(reply func(Reply)) {
		reply(handler(ctx, req))
	})
	return res.Value, res.Ok()
}

// Serve 实现 Transport：注册后阻塞到 ctx 结束。
func (t *MemoryTransport) Serve(ctx context.Context, addr Address, handler Handler) error {
	unregister := t.Register(addr, handler)
	defer unregister()
	<-ctx.Done()
	return ctx.Err()
}

// Close 实现 Transport。
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
