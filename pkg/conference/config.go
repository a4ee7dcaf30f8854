// Package conference реализует менеджера конференций: владельца
// хранилища вызовов и единственного места, где обрабатываются переходы
// состояний вызовов. Менеджер — актор: вся мутация его состояния
// происходит на горутине собственной очереди событий, наружу уходят
// только сигналы.
package conference

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки менеджера конференций
var (
	// ErrTooManyCalls — достигнут предел одновременных вызовов
	ErrTooManyCalls = errors.New("conference: too many concurrent calls")
	// ErrIncomingPending — исходящий набор отклонен из-за ожидающего
	// входящего вызова
	ErrIncomingPending = errors.New("conference: incoming call pending")
)

// Config — настройки менеджера конференций
type Config struct {
	// MaxCalls — предел одновременных вызовов в хранилище
	MaxCalls int
	// RingInterval — период между "гудками" входящего и исходящего
	// вызова
	RingInterval time.Duration
	// StatsInterval — период съема статистики установленных вызовов
	StatsInterval time.Duration
	// PurgeDelay — задержка перед удалением разъединенных вызовов из
	// хранилища: объект должен пережить опоздавшие уведомления
	PurgeDelay time.Duration
	// AutoReject — автоматически отклонять входящие вызовы, не
	// показывая их приложению
	AutoReject bool
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxCalls:      6,
		RingInterval:  6 * time.Second,
		StatsInterval: time.Second,
		PurgeDelay:    5 * time.Second,
	}
}

// Validate проверяет согласованность настроек
func (c Config) Validate() error {
	if c.MaxCalls <= 0 {
		return fmt.Errorf("conference: MaxCalls must be positive, got %d", c.MaxCalls)
	}
	if c.RingInterval <= 0 {
		return fmt.Errorf("conference: RingInterval must be positive, got %s", c.RingInterval)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("conference: StatsInterval must be positive, got %s", c.StatsInterval)
	}
	if c.PurgeDelay <= 0 {
		return fmt.Errorf("conference: PurgeDelay must be positive, got %s", c.PurgeDelay)
	}
	return nil
}
