// Package lock 提供按键互斥的能力，用于串行化同一智能体上的余额变更。
package lock

import (
	"context"
	"sync"

	xerrors "Survival-Chain/internal/errors"
)

// Unlock 释放已获得的锁。
type Unlock func()

// Locker 为指定键提供互斥。Acquire 在获得锁或 ctx 结束前阻塞。
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// CodeLockTimeout 表示在截止时间前未能获得锁。
const CodeLockTimeout xerrors.Code = "LOCK_TIMEOUT"

// ErrLockTimeout 在获取锁超时时返回。
var ErrLockTimeout = xerrors.New(CodeLockTimeout, "lock acquisition timed out")

func init() {
	xerrors.Register(CodeLockTimeout, xerrors.Attributes{
		Message:    "lock acquisition timed out",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 503,
	})
}

// Memory 是进程内的键控互斥锁，空闲键会被回收。
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory 创建进程内锁。
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// Acquire 实现 Locker。
func (m *Memory) Acquire(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "等待锁超时: "+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *Memory) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// held 返回当前被跟踪的键数量，仅用于测试。
func (m *Memory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
