package registration

import "time"

// Operation — операция регистрации
type Operation int

const (
	// OpNone — операция отсутствует
	OpNone Operation = iota
	// OpQuery — запрос без контактов для определения рефлексивного адреса
	OpQuery
	// OpRegister — регистрация текущего набора контактов
	OpRegister
	// OpUnregisterInvalid — снятие регистрации устаревших контактов
	OpUnregisterInvalid
	// OpUnregister — снятие регистрации текущих контактов
	OpUnregister
)

func (o Operation) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpRegister:
		return "register"
	case OpUnregisterInvalid:
		return "unregister-invalid"
	case OpUnregister:
		return "unregister"
	default:
		return "none"
	}
}

// Event — событие регистрации, передаваемое владельцу движка
type Event int

const (
	// EventRegistering — запрос отправлен регистратору
	EventRegistering Event = iota
	// EventRegistered — регистрация подтверждена
	EventRegistered
	// EventFailed — отказ, уместен повтор с той же конфигурацией
	EventFailed
	// EventConnectionLost — сетевой отказ: нужен новый поиск регистратора
	EventConnectionLost
	// EventReregisterNeeded — истекает срок регистрации
	EventReregisterNeeded
	// EventBadCredentials — регистратор повторно отверг учетные данные
	EventBadCredentials
	// EventTimeSet — регистратор сообщил свое время
	EventTimeSet
	// EventOutOfResources — нижележащий стек исчерпал ресурсы
	EventOutOfResources
	// EventTerminated — движок подтвердил остановку
	EventTerminated
)

func (e Event) String() string {
	switch e {
	case EventRegistering:
		return "registering"
	case EventRegistered:
		return "registered"
	case EventFailed:
		return "failed"
	case EventConnectionLost:
		return "connection-lost"
	case EventReregisterNeeded:
		return "reregister-needed"
	case EventBadCredentials:
		return "bad-credentials"
	case EventTimeSet:
		return "time-set"
	case EventOutOfResources:
		return "out-of-resources"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventInfo — событие с сопутствующими данными
type EventInfo struct {
	Event Event
	// Time заполнено для EventTimeSet
	Time time.Time
	// Err заполнено для событий отказа
	Err error
}

// EventFunc получает события движка. Вызывается без удержания
// блокировки движка: порядок событий одного ответа сохраняется, но
// пачки от разных горутин (входная точка и ответ клиента) могут
// чередоваться. Обработчик может синхронно вызывать движок обратно.
type EventFunc func(EventInfo)

// ClientState — состояние нижележащего клиента регистрации
type ClientState int

const (
	// ClientIdle — клиент создан
	ClientIdle ClientState = iota
	// ClientRegistering — запрос в полете
	ClientRegistering
	// ClientUnauthenticated — получен вызов аутентификации (401/407)
	ClientUnauthenticated
	// ClientRedirected — регистратор перенаправил нас (3xx)
	ClientRedirected
	// ClientRegistered — получен успешный финальный ответ
	ClientRegistered
	// ClientFailed — получен отказ или истек таймаут транзакции
	ClientFailed
	// ClientMsgSendFailure — запрос не удалось отправить
	ClientMsgSendFailure
	// ClientTerminated — клиент завершил работу
	ClientTerminated
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientRegistering:
		return "registering"
	case ClientUnauthenticated:
		return "unauthenticated"
	case ClientRedirected:
		return "redirected"
	case ClientRegistered:
		return "registered"
	case ClientFailed:
		return "failed"
	case ClientMsgSendFailure:
		return "msg-send-failure"
	case ClientTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Message — вид на ответ регистратора. Протокольные детали скрыты:
// движку нужны только код, сроки, транспортный адрес и время.
type Message interface {
	// StatusCode — код финального ответа
	StatusCode() int
	// Expires — значение верхнеуровневого заголовка Expires
	Expires() (int, bool)
	// ContactExpires — значения expires каждого возвращенного контакта
	ContactExpires() []int
	// ReceivedAddress — рефлексивный адрес из received/rport верхнего Via
	ReceivedAddress() (host string, port uint16, ok bool)
	// Date — время регистратора из заголовка Date
	Date() (time.Time, bool)
}

// StateFunc получает смены состояния клиента. Ответы приходят с чужой
// горутины; движок сам сериализует обработку.
type StateFunc func(state ClientState, msg Message, err error)

// Client — нижележащий клиент регистрации. Один клиент обслуживает
// последовательность операций к одному регистратору.
type Client interface {
	// Request отправляет запрос операции op с данным набором контактов.
	// При withAuth повторяет запрос с ответом на вызов аутентификации.
	Request(op Operation, contacts []Contact, withAuth bool) error
	// Terminate асинхронно завершает клиента; подтверждение приходит
	// через StateFunc со состоянием ClientTerminated.
	Terminate()
}

// ClientFactory создает клиента, доставляющего смены состояния в cb
type ClientFactory func(settings RegistrarSettings, id Identity, cb StateFunc) (Client, error)
