package registration

import (
	"errors"
	"fmt"
)

// Предопределенные ошибки пакета
var (
	// ErrNoRegistrar — адрес регистратора не задан
	ErrNoRegistrar = errors.New("registrar address is not configured")
	// ErrTerminated — движок остановлен и не принимает операции
	ErrTerminated = errors.New("registration engine is terminated")
	// ErrBadCredentials — регистратор отверг учетные данные повторно
	ErrBadCredentials = errors.New("registrar rejected credentials")
)

// Error — ошибка регистрации с классом отказа
type Error interface {
	error
	Code() int         // SIP код ответа, если применимо
	IsTimeout() bool   // таймаут транзакции
	IsTransport() bool // сетевая/локальная ошибка
	Temporary() bool   // можно повторить с той же конфигурацией
}

type regError struct {
	code      int
	message   string
	timeout   bool
	transport bool
	temporary bool
}

// NewError создает ошибку регистрации
func NewError(code int, message string, timeout, transport bool) Error {
	return &regError{
		code:      code,
		message:   message,
		timeout:   timeout,
		transport: transport,
		temporary: timeout || transport,
	}
}

func (e *regError) Error() string {
	if e.code > 0 {
		return fmt.Sprintf("registration %d: %s", e.code, e.message)
	}
	return "registration: " + e.message
}

func (e *regError) Code() int { return e.code }

func (e *regError) IsTimeout() bool { return e.timeout }

func (e *regError) IsTransport() bool { return e.transport }

func (e *regError) Temporary() bool { return e.temporary }

// ConnectionLostError сообщает, что отказ выглядит сетевым: нужен
// повторный поиск регистратора, а не простой повтор запроса.
func ConnectionLostError(err error) bool {
	var re Error
	if errors.As(err, &re) {
		return re.IsTimeout() || re.IsTransport() ||
			re.Code() == 403 || re.Code() == 405
	}
	return false
}
