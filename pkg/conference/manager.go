package conference

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/video_phone/pkg/call"
	"github.com/arzzra/video_phone/pkg/eventqueue"
	"github.com/arzzra/video_phone/pkg/watchdog"
)

// maskPorts — состояния, при которых смена портов откладывается.
// В отличие от общей маски занятости сюда не входит Disconnecting:
// разъединяющийся вызов смену портов не задерживает.
const maskPorts = call.StateConnecting | call.StateConnected |
	call.StateHoldLocal | call.StateHoldRemote | call.StateHoldBoth |
	call.StateInitTransfer | call.StateTransferring

// Manager — менеджер конференций. Владеет хранилищем вызовов и
// единственным местом обработки переходов их состояний. Все поля ниже
// блока queue принадлежат горутине очереди событий и снаружи не
// трогаются.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	protocol Protocol
	storage  *Storage
	notify   *Notifications

	queue *eventqueue.Queue

	statsTimer      *eventqueue.EventTimer
	purgeTimer      *eventqueue.EventTimer
	localRingTimer  *eventqueue.EventTimer
	remoteRingTimer *eventqueue.EventTimer

	localRing  ringCounter
	remoteRing ringCounter
	// входящий вызов, которому принадлежит локальный таймер гудков
	ringingIncoming *call.Call

	statsUsers statsCounter
	ports      portsBatch
	// отложенная смена портов, ждет освобождения линии
	pendingPorts *Ports
	// отложенная перерегистрация, ждет освобождения линии
	reregisterPending bool
	activeCalls       bool

	autoReject     bool
	localDisplay   string
	returnCallInfo string
}

// NewManager создает менеджера конференций. Очередь событий не
// запущена: вызовите Start.
func NewManager(cfg Config, wd *watchdog.Watchdog, protocol Protocol, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg,
		log:        logger.With(slog.String("component", "conference")),
		protocol:   protocol,
		storage:    NewStorage(cfg.MaxCalls),
		notify:     newNotifications(),
		queue:      eventqueue.New("conference", logger),
		autoReject: cfg.AutoReject,
	}

	m.statsTimer = eventqueue.NewEventTimer(wd, m.queue, cfg.StatsInterval)
	m.purgeTimer = eventqueue.NewEventTimer(wd, m.queue, cfg.PurgeDelay)
	m.localRingTimer = eventqueue.NewEventTimer(wd, m.queue, cfg.RingInterval)
	m.remoteRingTimer = eventqueue.NewEventTimer(wd, m.queue, cfg.RingInterval)

	// срабатывание, опубликованное в очередь до остановки таймера,
	// доставляется уже после нее: каждый обработчик сперва проверяет,
	// что таймером все еще кто-то владеет, иначе не перевзводит
	m.statsTimer.Timeout().Connect(func(struct{}) {
		if m.statsUsers.count == 0 {
			return
		}
		m.storage.CollectStats()
		m.statsTimer.Restart()
	})
	m.purgeTimer.Timeout().Connect(func(struct{}) {
		for _, c := range m.storage.Purge() {
			m.log.Debug("call purged", slog.Int64("call", c.Index()))
		}
		metricActiveCalls.Set(float64(m.storage.Len()))
	})
	m.localRingTimer.Timeout().Connect(func(struct{}) {
		if m.ringingIncoming == nil {
			return
		}
		m.notify.LocalRingCount.Emit(m.localRing.next())
		m.localRingTimer.Restart()
	})
	m.remoteRingTimer.Timeout().Connect(func(struct{}) {
		if m.remoteRing.count == 0 {
			return
		}
		m.notify.RemoteRingCount.Emit(m.remoteRing.next())
		m.remoteRingTimer.Restart()
	})

	return m, nil
}

// Start запускает цикл обработки событий
func (m *Manager) Start() { m.queue.StartEventLoop() }

// Stop останавливает таймеры и цикл обработки. Уже опубликованные
// события обрабатываются до конца.
func (m *Manager) Stop() {
	m.statsTimer.Stop()
	m.purgeTimer.Stop()
	m.localRingTimer.Stop()
	m.remoteRingTimer.Stop()
	m.queue.StopEventLoop()
}

// Notifications возвращает точки подписки менеджера
func (m *Manager) Notifications() *Notifications { return m.notify }

// Storage возвращает хранилище вызовов для поиска по id и индексу
func (m *Manager) Storage() *Storage { return m.storage }

// AutoRejectSet управляет автоматическим отклонением входящих вызовов
func (m *Manager) AutoRejectSet(v bool) {
	m.queue.PostEvent(func() { m.autoReject = v })
}

// LocalIdentitySet задает отображаемое имя и номер обратного вызова,
// присваиваемые новым исходящим вызовам
func (m *Manager) LocalIdentitySet(display, returnCallInfo string) {
	m.queue.PostEvent(func() {
		m.localDisplay = display
		m.returnCallInfo = returnCallInfo
	})
}

type dialResult struct {
	call *call.Call
	err  error
}

// Dial начинает исходящий вызов. Ожидающий входящий вызов имеет
// приоритет: набор отклоняется без создания объекта вызова. Нельзя
// вызывать из обработчиков сигналов менеджера.
func (m *Manager) Dial(dialString string) (*call.Call, error) {
	res := <-eventqueue.Execute(m.queue, func() dialResult {
		c := call.New(call.Outgoing)
		c.DialStringSet(dialString)
		c.LocalDisplayNameSet(m.localDisplay)
		c.ReturnCallInfoSet(m.returnCallInfo)

		if err := m.storage.StoreOutgoing(c); err != nil {
			return dialResult{err: err}
		}
		if err := m.protocol.Dial(c); err != nil {
			m.storage.Remove(c)
			return dialResult{err: fmt.Errorf("dial %q: %w", dialString, err)}
		}
		metricCalls.WithLabelValues(c.Direction().String()).Inc()
		metricActiveCalls.Set(float64(m.storage.Len()))

		change, err := c.AdvanceState(call.StateConnecting,
			call.Substate{Phase: call.PhaseCalling})
		if err != nil {
			return dialResult{err: err}
		}
		m.handleStateChange(change)
		return dialResult{call: c}
	})
	return res.call, res.err
}

// CallIncoming регистрирует входящий вызов от протокольного слоя.
// При включенном автоотклонении вызов сразу разрывается и приложению
// не показывается. Нельзя вызывать из обработчиков сигналов менеджера.
func (m *Manager) CallIncoming(remoteDisplay, returnCallInfo string) (*call.Call, error) {
	res := <-eventqueue.Execute(m.queue, func() dialResult {
		c := call.New(call.Incoming)
		c.RemoteDisplayNameSet(remoteDisplay)
		c.ReturnCallInfoSet(returnCallInfo)

		if err := m.storage.Store(c); err != nil {
			return dialResult{err: err}
		}
		metricCalls.WithLabelValues(c.Direction().String()).Inc()
		metricActiveCalls.Set(float64(m.storage.Len()))

		if m.autoReject {
			c.AutoRejectedSet(true)
		}

		change, err := c.AdvanceState(call.StateConnecting,
			call.Substate{Phase: call.PhaseAnswering})
		if err != nil {
			return dialResult{err: err}
		}
		m.handleStateChange(change)

		if c.AutoRejected() {
			if err := m.protocol.Hangup(c); err != nil {
				m.log.Error("auto-reject hangup failed",
					slog.Int64("call", c.Index()),
					slog.Any("error", err))
			}
		}
		return dialResult{call: c}
	})
	return res.call, res.err
}

// AdvanceCall переводит вызов в новое состояние и обрабатывает переход
// на горутине менеджера. Недопустимый переход логируется: протокольный
// слой может гнаться с локальным разъединением, это не ошибка менеджера.
func (m *Manager) AdvanceCall(c *call.Call, newState call.State, newSubstate call.Substate) {
	m.queue.PostEvent(func() {
		change, err := c.AdvanceState(newState, newSubstate)
		if err != nil {
			m.log.Warn("state transition rejected",
				slog.Int64("call", c.Index()),
				slog.Any("error", err))
			return
		}
		m.handleStateChange(change)
	})
}

// Hangup разрывает один вызов
func (m *Manager) Hangup(c *call.Call) {
	m.queue.PostEvent(func() {
		if err := m.protocol.Hangup(c); err != nil {
			m.log.Error("hangup failed",
				slog.Int64("call", c.Index()),
				slog.Any("error", err))
		}
	})
}

// HangupAll разрывает все вызовы, занимающие линию
func (m *Manager) HangupAll() {
	m.queue.PostEvent(func() {
		for _, c := range m.storage.List() {
			if !c.StateIn(call.StateMaskBusy) {
				continue
			}
			if err := m.protocol.Hangup(c); err != nil {
				m.log.Error("hangup failed",
					slog.Int64("call", c.Index()),
					slog.Any("error", err))
			}
		}
	})
}

// PortsSet запрашивает смену транспортных портов конференции. При
// занятой линии смена откладывается до ее освобождения; отложенные
// запросы схлопываются в последний.
func (m *Manager) PortsSet(p Ports) {
	m.queue.PostEvent(func() {
		if m.storage.CountByMask(maskPorts) > 0 {
			m.pendingPorts = &p
			m.log.Debug("ports update deferred until idle")
			return
		}
		m.portsApply(p)
	})
}

// PortCompletionReport учитывает итог одной операции смены портов.
// Когда вся партия подтверждена, испускается PortsChanged; успех —
// только при нуле неудач.
func (m *Manager) PortCompletionReport(success bool) {
	m.queue.PostEvent(func() {
		done, ok := m.ports.report(success)
		if done {
			m.notify.PortsChanged.Emit(ok)
		}
	})
}

// ClientReregister проводит запрос перерегистрации через шлюз
// активных вызовов: при занятой линии запрос откладывается до
// ее освобождения.
func (m *Manager) ClientReregister() {
	m.queue.PostEvent(func() {
		if m.activeCalls {
			m.reregisterPending = true
			m.log.Debug("reregister deferred until idle")
			return
		}
		m.protocol.Reregister()
	})
}

func (m *Manager) portsApply(p Ports) {
	m.ports.expect(1)
	if err := m.protocol.PortsSet(p); err != nil {
		m.log.Error("ports set failed", slog.Any("error", err))
		done, ok := m.ports.report(false)
		if done {
			m.notify.PortsChanged.Emit(ok)
		}
	}
}

// handleStateChange — единственное место обработки переходов состояний
// вызовов. Выполняется только на горутине очереди менеджера.
func (m *Manager) handleStateChange(ch call.StateChange) {
	c := ch.Call
	m.log.Debug("call state change",
		slog.Int64("call", c.Index()),
		slog.String("from", ch.PrevState.String()),
		slog.String("to", ch.NewState.String()),
		slog.String("substate", ch.NewSubstate.String()))

	// внешний фильтр: смена основного состояния видна приложению только
	// для видимых вызовов; изменения одних подсостояний сюда не проходят
	if c.NotifyAppOfIncoming() && ch.PrevState != ch.NewState && c.NotifyApp() {
		m.notify.StateChanged.Emit(ch)
	}

	switch ch.NewState {
	case call.StateConnecting:
		m.onConnecting(ch)
		m.activeCallsRecompute()

	case call.StateConnected:
		m.onConnected(ch)

	case call.StateHoldLocal, call.StateHoldRemote, call.StateHoldBoth:
		m.onHold(ch)

	case call.StateDisconnecting:
		m.onDisconnecting(ch)

	case call.StateDisconnected:
		m.onDisconnected(ch)
		m.activeCallsRecompute()

	case call.StateCriticalError:
		// о невосстановимой ошибке приложение узнает всегда
		m.notify.CriticalError.Emit(c)
	}
}

func (m *Manager) onConnecting(ch call.StateChange) {
	c := ch.Call
	switch ch.NewSubstate.Phase {
	case call.PhaseCalling:
		if c.NotifyApp() {
			if c.Direction() == call.Outgoing && ch.PrevState == call.StateIdle {
				m.notify.OutgoingCall.Emit(c)
			}
			m.notify.Dialing.Emit(c)
		}

	case call.PhaseAnswering:
		if c.NotifyApp() {
			m.notify.AnsweringCall.Emit(c)
		}

	case call.PhaseWaitingForUserResponse:
		// входящий вызов показывается приложению один раз
		if c.NotifyApp() && c.NotifyAppOfIncoming() {
			m.notify.IncomingCall.Emit(c)
			m.ringingIncoming = c
			m.notify.LocalRingCount.Emit(m.localRing.reset())
			m.localRingTimer.Restart()
		}

	case call.PhaseWaitingForRemoteResponse:
		if c.NotifyApp() {
			m.notify.Ringing.Emit(c)
			m.notify.RemoteRingCount.Emit(m.remoteRing.reset())
			m.remoteRingTimer.Restart()
		}
	}
}

func (m *Manager) onConnected(ch call.StateChange) {
	c := ch.Call

	// соединение состоялось, гудки этого вызова больше не нужны
	m.remoteRingStop()
	m.localRingStopFor(c)

	if ch.NewSubstate.Phase == call.PhaseEstablishing && c.NotifyApp() {
		m.notify.EstablishingConference.Emit(c)
	}

	if ch.NewSubstate.Phase == call.PhaseConferencing {
		c.ConferencedSet(true)
		if !c.AppNotifiedOfConferencing() {
			c.AppNotifiedOfConferencingSet(true)
			if c.NotifyApp() {
				m.notify.Conferencing.Emit(c)
			}
			if m.statsUsers.increment() {
				m.statsTimer.Restart()
			}
		}
		// окно статистики начинается заново на каждом входе в
		// Conferencing, в том числе после снятия с удержания
		c.StatsClear()

		if ch.PrevSubstate.Phase == call.PhaseNegotiatingResume &&
			c.NotifyApp() && c.NotifyAppOfHoldChange() {
			if ch.PrevSubstate.Origin == call.OriginLocal {
				m.notify.ResumedLocal.Emit(c)
			} else {
				m.notify.ResumedRemote.Emit(c)
			}
		}
	}
}

func (m *Manager) onHold(ch call.StateChange) {
	c := ch.Call
	if ch.NewSubstate.Phase != call.PhaseHeld {
		return
	}
	if !c.NotifyApp() || !c.NotifyAppOfHoldChange() {
		return
	}

	// какой стороны согласование только что закончилось, видно по
	// предыдущему подсостоянию
	switch ch.PrevSubstate.Phase {
	case call.PhaseNegotiatingHold:
		if ch.PrevSubstate.Origin == call.OriginLocal {
			m.notify.HeldLocal.Emit(c)
		} else {
			m.notify.HeldRemote.Emit(c)
		}
	case call.PhaseNegotiatingResume:
		// снятие одной стороны при сохранении удержания другой
		if ch.PrevSubstate.Origin == call.OriginLocal {
			m.notify.ResumedLocal.Emit(c)
		} else {
			m.notify.ResumedRemote.Emit(c)
		}
	}
}

func (m *Manager) onDisconnecting(ch call.StateChange) {
	c := ch.Call

	// автоматически отклоненный вызов, который приложению не
	// показывался, разъединяется молча
	suppressed := ch.PrevState == call.StateConnecting &&
		ch.PrevSubstate.Phase == call.PhaseAnswering &&
		c.AutoRejected()
	if !suppressed && c.NotifyApp() {
		m.notify.Disconnecting.Emit(c)
	}

	m.statsCancelFor(c)
}

func (m *Manager) onDisconnected(ch call.StateChange) {
	c := ch.Call

	m.localRingStopFor(c)
	// удаленные гудки останавливаются только когда не осталось другого
	// исходящего вызова
	if m.storage.Outgoing() == nil {
		m.remoteRingStop()
	}

	// покрывает вызовы, разъединившиеся минуя Disconnecting
	m.statsCancelFor(c)

	if m.pendingPorts != nil && m.storage.CountByMask(maskPorts) == 0 {
		p := *m.pendingPorts
		m.pendingPorts = nil
		m.portsApply(p)
	}

	switch ch.NewSubstate.Phase {
	case call.PhaseLeaveMessage:
		// объект остается в хранилище: вызов продолжится записью
		// сообщения
		if ch.PrevSubstate.Phase != call.PhaseMessageComplete && c.NotifyApp() {
			m.notify.LeaveMessage.Emit(c)
		}

	case call.PhaseMessageComplete:
		m.purgeTimer.Restart()

	default:
		if c.NotifyApp() {
			m.notify.Disconnected.Emit(c)
		}
		m.purgeTimer.Restart()
	}
}

// statsCancelFor снимает вызов со сбора статистики ровно один раз
func (m *Manager) statsCancelFor(c *call.Call) {
	if !c.AppNotifiedOfConferencing() {
		return
	}
	c.AppNotifiedOfConferencingSet(false)
	if m.statsUsers.decrement() {
		m.statsTimer.Stop()
	}
}

func (m *Manager) localRingStopFor(c *call.Call) {
	if m.ringingIncoming != c {
		return
	}
	m.ringingIncoming = nil
	m.localRingTimer.Stop()
	m.localRing.clear()
}

func (m *Manager) remoteRingStop() {
	m.remoteRingTimer.Stop()
	m.remoteRing.clear()
}

// activeCallsRecompute пересчитывает признак занятой линии. На переходе
// занято→свободно испускается ActiveCalls(false) и выполняется
// отложенная перерегистрация, ровно один раз.
func (m *Manager) activeCallsRecompute() {
	active := m.storage.CountByMask(call.StateMaskBusy) > 0
	if active == m.activeCalls {
		return
	}
	m.activeCalls = active
	m.notify.ActiveCalls.Emit(active)

	if !active && m.reregisterPending {
		m.reregisterPending = false
		m.protocol.Reregister()
	}
}
