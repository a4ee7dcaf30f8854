// Package registration реализует движок регистрации: одна логическая
// регистрация (один номер телефона) у одного регистратора. Операции
// Register/Unregister/Query сериализуются через внутреннюю очередь;
// ответы регистратора приходят через нижележащего клиента и могут
// прибывать с чужой горутины.
package registration

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/video_phone/pkg/watchdog"
)

// Engine — движок регистрации. Все входные точки и ответы клиента
// проходят через одну блокировку; события владельцу доставляются
// после ее освобождения, поэтому обработчики событий могут синхронно
// вызывать движок обратно.
type Engine struct {
	log     *slog.Logger
	policy  TimerPolicy
	factory ClientFactory
	eventFn EventFunc

	mu       sync.Mutex
	identity Identity
	settings RegistrarSettings

	client        Client
	current       Operation
	queue         []Operation
	unregistering bool
	terminating   bool

	loginAttempted bool
	queryCompleted bool
	reflexiveHost  string
	reflexivePort  uint16

	validContacts   []Contact
	invalidContacts []Contact

	reregTimer *watchdog.Timer
}

// NewEngine создает движок. События доставляются в eventFn; таймер
// перерегистрации обслуживается wd.
func NewEngine(id Identity, settings RegistrarSettings, policy TimerPolicy,
	factory ClientFactory, wd *watchdog.Watchdog, eventFn EventFunc,
	logger *slog.Logger) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		log: logger.With(
			slog.String("component", "registration"),
			slog.String("phone", id.PhoneNumber)),
		policy:   policy,
		factory:  factory,
		eventFn:  eventFn,
		identity: id,
		settings: settings,
	}
	e.reregTimer = watchdog.NewTimer(wd, policy.StandardRate, e.reregisterDue)
	return e
}

// reregisterDue вызывается watchdog'ом по истечении срока регистрации
func (e *Engine) reregisterDue() {
	e.log.Debug("registration expiring, re-register needed")
	e.emit(EventInfo{Event: EventReregisterNeeded})
	metricEvents.WithLabelValues(EventReregisterNeeded.String()).Inc()
}

// emit доставляет событие владельцу. Вызывается без блокировки движка.
func (e *Engine) emit(ev EventInfo) {
	if e.eventFn != nil {
		e.eventFn(ev)
	}
}

// deliver доставляет накопленные события после освобождения блокировки
func (e *Engine) deliver(events []EventInfo) {
	for _, ev := range events {
		metricEvents.WithLabelValues(ev.Event.String()).Inc()
		e.emit(ev)
	}
}

// RegisterStart запускает регистрацию: немедленно, если движок
// свободен, иначе операция встает в очередь. Во время снятия
// регистрации новые регистрации игнорируются.
func (e *Engine) RegisterStart() {
	e.mu.Lock()
	var events []EventInfo
	if !e.unregistering {
		if !e.terminating && e.current == OpNone {
			events = e.execute(OpRegister)
		} else {
			e.log.Debug("queueing operation", slog.String("op", OpRegister.String()))
			e.queue = append(e.queue, OpRegister)
		}
	}
	e.mu.Unlock()
	e.deliver(events)
}

// UnregisterStart запускает снятие регистрации. Без валидных
// контактов операция не имеет смысла и отбрасывается; очередь
// ожидающих операций при снятии регистрации очищается.
func (e *Engine) UnregisterStart() {
	e.mu.Lock()
	var events []EventInfo
	if !e.unregistering && len(e.validContacts) > 0 {
		e.queue = nil
		e.unregistering = true
		if !e.terminating && e.current == OpNone {
			events = e.execute(OpUnregister)
		} else {
			e.log.Debug("queueing operation", slog.String("op", OpUnregister.String()))
			e.queue = append(e.queue, OpUnregister)
		}
	}
	e.mu.Unlock()
	e.deliver(events)
}

// UnregisterInvalidStart снимает регистрацию устаревших контактов
func (e *Engine) UnregisterInvalidStart(contacts []Contact) {
	e.mu.Lock()
	var events []EventInfo
	e.invalidContacts = append(e.invalidContacts, contacts...)
	if !e.terminating && e.current == OpNone {
		events = e.execute(OpUnregisterInvalid)
	} else {
		e.queue = append(e.queue, OpUnregisterInvalid)
	}
	e.mu.Unlock()
	e.deliver(events)
}

// Stop немедленно прекращает регистрацию. Завершение нижележащего
// клиента асинхронно: до подтверждения движок подавляет все побочные
// эффекты ответов.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopLocked()
	e.mu.Unlock()
}

func (e *Engine) stopLocked() {
	e.reregTimer.Stop()

	if e.client != nil {
		e.log.Debug("terminating in-flight operation",
			slog.String("op", e.current.String()))
		e.terminating = true
		e.client.Terminate()
	}
}

// Reset возвращает движок в начальное состояние: сбрасывает
// рефлексивный адрес, контакты и очередь, прекращает текущую операцию.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.log.Debug("reset")
	e.reflexiveHost = ""
	e.reflexivePort = 0
	e.queue = nil
	e.stopLocked()
	e.validContacts = nil
	e.mu.Unlock()
}

// SettingsSet меняет настройки регистратора. Смена самого регистратора
// сбрасывает рефлексивный адрес и контакты и принуждает новый Query;
// прочие изменения лишь перегенерируют контакты.
func (e *Engine) SettingsSet(settings RegistrarSettings) {
	e.mu.Lock()
	changed := e.settings.registrarChanged(settings)
	e.settings = settings
	if changed {
		e.log.Info("registrar changed, forcing re-query",
			slog.String("registrar", settings.ProxyAddress))
		e.queryCompleted = false
		e.validContacts = nil
		e.stopLocked()
	} else {
		e.contactRegenerate()
	}
	e.mu.Unlock()
}

// ValidContacts возвращает копию текущего набора контактов
func (e *Engine) ValidContacts() []Contact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Contact, len(e.validContacts))
	copy(out, e.validContacts)
	return out
}

// ReflexiveAddress возвращает адрес, под которым нас видит регистратор
func (e *Engine) ReflexiveAddress() (string, uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reflexiveHost, e.reflexivePort
}

// requestPrepare применяет правила набора контактов к операции:
// снятие регистрации без контактов — пустая операция, регистрация без
// контактов понижается до запроса рефлексивного адреса.
func (e *Engine) requestPrepare(op Operation) Operation {
	switch op {
	case OpUnregister:
		if len(e.validContacts) == 0 {
			e.log.Debug("nothing to unregister")
			return OpNone
		}
	case OpUnregisterInvalid:
		if len(e.invalidContacts) == 0 {
			return OpNone
		}
	case OpRegister:
		if len(e.validContacts) == 0 {
			e.log.Debug("no valid contacts yet, downgrading register to query")
			return OpQuery
		}
	}
	return op
}

func (e *Engine) contactsFor(op Operation) []Contact {
	switch op {
	case OpRegister, OpUnregister:
		return e.validContacts
	case OpUnregisterInvalid:
		return e.invalidContacts
	default:
		return nil
	}
}

// execute запускает операцию. Вызывается под блокировкой; возвращает
// события для доставки после ее освобождения.
func (e *Engine) execute(op Operation) []EventInfo {
	if err := e.settings.Validate(); err != nil {
		e.log.Error("cannot execute operation", slog.Any("error", err))
		e.current = OpNone
		return []EventInfo{{Event: EventFailed, Err: err}}
	}

	op = e.requestPrepare(op)
	if op == OpNone {
		return nil
	}

	if e.client == nil {
		client, err := e.factory(e.settings, e.identity, e.onClientState)
		if err != nil {
			e.log.Error("client create failed", slog.Any("error", err))
			e.current = OpNone
			return []EventInfo{{Event: EventOutOfResources, Err: err}}
		}
		e.client = client
	}

	e.log.Debug("executing operation",
		slog.String("op", op.String()),
		slog.String("registrar", e.settings.ProxyAddress),
		slog.Int("port", int(e.settings.ProxyPort)))

	e.loginAttempted = false
	e.current = op

	if err := e.client.Request(op, e.contactsFor(op), false); err != nil {
		e.log.Error("request failed to start",
			slog.String("op", op.String()), slog.Any("error", err))
		e.current = OpNone
		return []EventInfo{{Event: EventFailed, Err: err}}
	}
	return nil
}

// next запускает следующую операцию из очереди. Вызывается под
// блокировкой.
func (e *Engine) next() []EventInfo {
	e.current = OpNone

	var events []EventInfo
	for e.current == OpNone && len(e.queue) > 0 {
		op := e.queue[0]
		e.queue = e.queue[1:]
		events = append(events, e.execute(op)...)
	}
	return events
}

// onClientState обрабатывает смену состояния нижележащего клиента.
// Может вызываться с любой горутины.
func (e *Engine) onClientState(state ClientState, msg Message, err error) {
	e.mu.Lock()
	e.log.Debug("client state change",
		slog.String("state", state.String()),
		slog.String("op", e.current.String()))

	var events []EventInfo
	switch state {
	case ClientRegistering:
		events = append(events, EventInfo{Event: EventRegistering})

	case ClientUnauthenticated:
		if !e.terminating {
			events = e.authRetry()
		}

	case ClientRedirected:
		if !e.terminating {
			// перенаправление: повторяем операцию с чистым состоянием
			// аутентификации
			e.loginAttempted = false
			if reqErr := e.client.Request(e.current, e.contactsFor(e.current), false); reqErr != nil {
				e.stopLocked()
				events = append(events, EventInfo{Event: EventFailed, Err: reqErr})
			}
		}

	case ClientRegistered:
		if !e.terminating {
			events = e.completed(msg)
		}

	case ClientFailed:
		if !e.terminating {
			events = e.failed(msg, err)
		}

	case ClientMsgSendFailure:
		if !e.terminating {
			wasUnregister := e.current == OpUnregister
			e.stopLocked()
			if !wasUnregister {
				events = append(events, EventInfo{Event: EventConnectionLost, Err: err})
			}
		}

	case ClientTerminated:
		if e.current == OpUnregister {
			// снятие регистрации завершено; владелец отпускает движок
			e.log.Debug("terminated after unregister")
			events = append(events, EventInfo{Event: EventTerminated})
		} else {
			e.client = nil
			e.terminating = false
			events = append(events, e.next()...)
		}
	}
	e.mu.Unlock()
	e.deliver(events)
}

// completed обрабатывает успешный финальный ответ текущей операции
func (e *Engine) completed(msg Message) []EventInfo {
	var events []EventInfo

	if e.unregistering {
		// очередь при снятии регистрации содержит только unregister
		if e.current == OpUnregister {
			e.stopLocked()
		} else {
			events = append(events, e.next()...)
		}
		return events
	}

	switch e.current {
	case OpUnregisterInvalid:
		e.invalidContacts = nil

	case OpQuery:
		e.log.Debug("query completed")
		e.queryCompleted = true
		e.reflexiveDetermine(msg)
		e.contactRegenerate()
		e.queue = append([]Operation{OpRegister}, e.queue...)

	case OpRegister:
		e.log.Info("registered")
		if date, ok := msg.Date(); ok {
			events = append(events, EventInfo{Event: EventTimeSet, Time: date})
		}
		changed := e.reflexiveDetermine(msg)
		e.armReregisterTimer(msg)
		events = append(events, EventInfo{Event: EventRegistered})
		if changed {
			// регистратор видит нас под новым адресом: немедленно
			// перерегистрируемся с обновленными контактами
			e.contactRegenerate()
			e.queue = append([]Operation{OpRegister}, e.queue...)
		}
	}

	return append(events, e.next()...)
}

// failed обрабатывает отказ текущей операции
func (e *Engine) failed(msg Message, err error) []EventInfo {
	code := 0
	if msg != nil {
		code = msg.StatusCode()
	}
	e.log.Warn("operation failed",
		slog.String("op", e.current.String()),
		slog.Int("code", code),
		slog.Any("error", err))

	wasUnregister := e.current == OpUnregister
	e.stopLocked()
	if wasUnregister {
		// об отказе снятия регистрации приложению не сообщаем
		return nil
	}

	if code == 403 || code == 405 || ConnectionLostError(err) {
		return []EventInfo{{Event: EventConnectionLost, Err: err}}
	}

	// прочие отказы: повтор через паузу
	e.reregTimer.DelaySet(e.policy.RetryDelay)
	e.reregTimer.Start()
	return []EventInfo{{Event: EventFailed, Err: err}}
}

// authRetry повторяет текущую операцию с учетными данными. Вторая
// просьба аутентифицироваться подряд фатальна.
func (e *Engine) authRetry() []EventInfo {
	if e.loginAttempted {
		e.stopLocked()
		return []EventInfo{{Event: EventBadCredentials, Err: ErrBadCredentials}}
	}
	e.loginAttempted = true
	e.log.Debug("registrar requires authentication")

	op := e.requestPrepare(e.current)
	if op == OpNone {
		e.log.Debug("operation cancelled during authentication")
		return e.next()
	}
	e.current = op
	if err := e.client.Request(op, e.contactsFor(op), true); err != nil {
		e.stopLocked()
		return []EventInfo{{Event: EventFailed, Err: err}}
	}
	return nil
}

// reflexiveDetermine обновляет рефлексивный адрес из транспортной
// информации ответа. Возвращает, изменился ли адрес.
func (e *Engine) reflexiveDetermine(msg Message) bool {
	host, port, ok := msg.ReceivedAddress()
	if !ok || host == "" {
		return false
	}

	changed := false
	if e.reflexiveHost != host {
		e.reflexiveHost = host
		changed = true
	}
	if port != 0 && e.reflexivePort != port {
		e.reflexivePort = port
		changed = true
	}
	if changed {
		e.log.Info("reflexive address changed",
			slog.String("host", e.reflexiveHost),
			slog.Int("port", int(e.reflexivePort)))
	}
	return changed
}

// contactRegenerate перестраивает набор контактов из рефлексивного
// адреса. До завершения первого Query контакты не строятся.
func (e *Engine) contactRegenerate() {
	if e.unregistering || !e.queryCompleted || e.reflexiveHost == "" {
		return
	}
	e.validContacts = contactGenerate(e.settings, e.reflexiveHost, e.reflexivePort)
}

// armReregisterTimer взводит таймер перерегистрации по минимальному
// Expires ответа: верхнеуровневый заголовок и expires каждого контакта.
func (e *Engine) armReregisterTimer(msg Message) {
	minExpires := e.policy.Ceiling

	if v, ok := msg.Expires(); ok && v > 0 {
		if d := time.Duration(v) * time.Second; d < minExpires {
			minExpires = d
		}
	}
	for _, v := range msg.ContactExpires() {
		if v <= 0 {
			continue
		}
		if d := time.Duration(v) * time.Second; d < minExpires {
			minExpires = d
		}
	}

	delay := e.policy.ReregisterDelay(minExpires)
	e.log.Debug("re-register timer armed",
		slog.Duration("delay", delay),
		slog.Duration("expires", minExpires))

	e.reregTimer.Stop()
	e.reregTimer.DelaySet(delay)
	e.reregTimer.Start()
}
