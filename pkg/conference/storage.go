package conference

import (
	"sync"

	"github.com/arzzra/video_phone/pkg/call"
)

// Storage — хранилище вызовов, единственный владелец их времени жизни.
// Все прочие участники держат идентификатор или индекс вызова и ищут
// объект через хранилище. Блокировка хранилища короткая и никогда не
// удерживается поверх вызовов наружу.
type Storage struct {
	maxCalls int

	mu    sync.Mutex
	calls []*call.Call
}

// NewStorage создает хранилище с пределом одновременных вызовов
func NewStorage(maxCalls int) *Storage {
	return &Storage{maxCalls: maxCalls}
}

// Store помещает вызов в хранилище. Проверка предела и добавление
// атомарны.
func (s *Storage) Store(c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.calls) >= s.maxCalls {
		return ErrTooManyCalls
	}
	s.calls = append(s.calls, c)
	return nil
}

// StoreOutgoing помещает исходящий вызов, если нет ожидающего
// входящего: проверка и добавление атомарны, параллельно прибывший
// входящий вызов не может проскочить между ними.
func (s *Storage) StoreOutgoing(c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.calls) >= s.maxCalls {
		return ErrTooManyCalls
	}
	if s.incomingLocked() != nil {
		return ErrIncomingPending
	}
	s.calls = append(s.calls, c)
	return nil
}

// Remove удаляет вызов; false, если его нет в хранилище
func (s *Storage) Remove(c *call.Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, stored := range s.calls {
		if stored == c {
			s.calls = append(s.calls[:i], s.calls[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll опустошает хранилище
func (s *Storage) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ByID ищет вызов по идентификатору
func (s *Storage) ByID(id string) *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// ByIndex ищет вызов по сквозному номеру
func (s *Storage) ByIndex(index int64) *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.Index() == index {
			return c
		}
	}
	return nil
}

// NthCall возвращает n-й вызов в порядке добавления, nil если такого нет
func (s *Storage) NthCall(n int) *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 || n >= len(s.calls) {
		return nil
	}
	return s.calls[n]
}

// Head возвращает самый старый вызов в хранилище
func (s *Storage) Head() *call.Call {
	return s.NthCall(0)
}

// List возвращает копию списка вызовов в порядке добавления
func (s *Storage) List() []*call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*call.Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Len возвращает число вызовов в хранилище
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// CountByMask считает вызовы, чье состояние входит в маску
func (s *Storage) CountByMask(mask call.State) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.StateIn(mask) {
			n++
		}
	}
	return n
}

// Incoming возвращает входящий вызов в процессе установления, nil если
// такого нет
func (s *Storage) Incoming() *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incomingLocked()
}

func (s *Storage) incomingLocked() *call.Call {
	for _, c := range s.calls {
		if c.Direction() == call.Incoming && c.StateIn(call.StateConnecting) {
			return c
		}
	}
	return nil
}

// Outgoing возвращает исходящий вызов, занимающий линию, nil если
// такого нет
func (s *Storage) Outgoing() *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.Direction() == call.Outgoing && c.StateIn(call.StateMaskBusy) {
			return c
		}
	}
	return nil
}

// Purge удаляет разъединенные вызовы и возвращает их список. Вызов,
// ожидающий записи сообщения, еще жив и под чистку не попадает.
func (s *Storage) Purge() []*call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []*call.Call
	kept := s.calls[:0]
	for _, c := range s.calls {
		if c.StateIn(call.StateDisconnected) && c.Substate().Phase != call.PhaseLeaveMessage {
			purged = append(purged, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(s.calls); i++ {
		s.calls[i] = nil
	}
	s.calls = kept
	return purged
}

// CollectStats снимает срез статистики со всех установленных вызовов
func (s *Storage) CollectStats() {
	for _, c := range s.List() {
		if c.Conferenced() && c.StateIn(call.StateMaskBusy) {
			c.StatsCollect()
		}
	}
}
