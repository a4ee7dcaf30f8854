package eventqueue

import "sync"

// Signal — типизированная точка подписки в стиле signal/slot.
// Обработчики вызываются синхронно на горутине, вызвавшей Emit,
// в порядке подключения.
type Signal[T any] struct {
	mu    sync.Mutex
	conns []*Connection[T]
}

// Connection — подписка на сигнал; используется для отключения
type Connection[T any] struct {
	signal  *Signal[T]
	handler func(T)
}

// NewSignal создает сигнал без подписчиков
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Connect подключает обработчик. Обработчик будет вызываться при
// каждом Emit до вызова Disconnect.
func (s *Signal[T]) Connect(handler func(T)) *Connection[T] {
	c := &Connection[T]{signal: s, handler: handler}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c
}

// Disconnect отключает подписку. Повторный вызов безопасен.
func (c *Connection[T]) Disconnect() {
	s := c.signal
	if s == nil {
		return
	}
	s.mu.Lock()
	for i, conn := range s.conns {
		if conn == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	c.signal = nil
}

// Emit вызывает все подключенные обработчики с аргументом v.
// Обработчики выполняются вне внутренней блокировки: из них можно
// подключать и отключать подписки.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	conns := make([]*Connection[T], len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.handler(v)
	}
}
