package registration

import (
	"errors"
	"time"
)

// Transport — транспорт соединения с регистратором
type Transport string

const (
	TransportUDP Transport = "UDP"
	TransportTCP Transport = "TCP"
	TransportTLS Transport = "TLS"
)

// Identity — идентичность регистрации: одна на номер телефона
type Identity struct {
	// PhoneNumber — номер телефона / address-of-record
	PhoneNumber string
	// InstanceGUID — стабильный GUID устройства для +sip.instance
	InstanceGUID string
	// RegistrationID — значение параметра reg-id
	RegistrationID int
}

// RegistrarSettings — настройки регистратора. Смена адреса или порта
// регистратора инвалидирует кешированный рефлексивный адрес и набор
// контактов и заставляет движок заново выполнить Query.
type RegistrarSettings struct {
	User         string
	Password     string
	ProxyAddress string
	ProxyPort    uint16
	Transport    Transport
	MaxContacts  int
	LocalSIPPort uint16
}

// DefaultRegistrarSettings возвращает настройки по умолчанию
func DefaultRegistrarSettings() RegistrarSettings {
	return RegistrarSettings{
		Transport:    TransportUDP,
		MaxContacts:  1,
		LocalSIPPort: 5060,
	}
}

// Validate проверяет корректность настроек
func (s RegistrarSettings) Validate() error {
	if s.ProxyAddress == "" {
		return ErrNoRegistrar
	}
	if s.ProxyPort == 0 {
		return errors.New("registrar port is not set")
	}
	switch s.Transport {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		return errors.New("unknown transport: " + string(s.Transport))
	}
	return nil
}

// registrarChanged сообщает, сменился ли сам регистратор
func (s RegistrarSettings) registrarChanged(next RegistrarSettings) bool {
	return s.ProxyAddress != next.ProxyAddress || s.ProxyPort != next.ProxyPort
}

// TimerPolicy — политика таймера перерегистрации. Таймер взводится на
// (минимальный Expires − Guard) секунд; значения ниже Floor считаются
// аномально быстрыми и заменяются на StandardRate − Guard; верхняя
// граница — Ceiling.
type TimerPolicy struct {
	// Guard — запас до истечения регистрации
	Guard time.Duration
	// Floor — минимальный разумный период регистрации
	Floor time.Duration
	// StandardRate — период, подставляемый вместо аномально быстрого
	StandardRate time.Duration
	// Ceiling — максимальный период перерегистрации
	Ceiling time.Duration
	// RetryDelay — пауза перед повтором после неуспеха
	RetryDelay time.Duration
}

// DefaultTimerPolicy возвращает политику по умолчанию
func DefaultTimerPolicy() TimerPolicy {
	guard := 10 * time.Second
	return TimerPolicy{
		Guard:        guard,
		Floor:        2*guard + time.Second,
		StandardRate: 85 * time.Second,
		Ceiling:      6 * time.Hour,
		RetryDelay:   15 * time.Second,
	}
}

// ReregisterDelay вычисляет задержку перерегистрации для минимального
// Expires из ответа регистратора. Результат всегда строго положителен.
func (p TimerPolicy) ReregisterDelay(minExpires time.Duration) time.Duration {
	if minExpires > p.Ceiling {
		minExpires = p.Ceiling
	}
	if minExpires < p.Floor {
		// аномально быстрая регистрация: переходим на стандартный период
		minExpires = p.StandardRate
	}
	return minExpires - p.Guard
}
