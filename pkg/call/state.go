// Package call реализует модель одного вызова: основное состояние,
// подсостояние, флаги уведомления приложения и окно накопления
// статистики. Допустимость переходов между основными состояниями
// проверяется конечным автоматом; обработкой переходов занимается
// менеджер конференций.
package call

// State — основное состояние вызова. Значения одноразрядные, чтобы
// хранилище вызовов могло считать вызовы по битовой маске состояний.
type State uint32

const (
	// StateUnknown используется только при отчетах наружу
	StateUnknown State = 0

	// StateIdle — объект создан, соединения нет
	StateIdle State = 1 << iota
	// StateConnecting — вызов в процессе установления
	StateConnecting
	// StateConnected — вызов соединен
	StateConnected
	// StateHoldLocal — вызов на удержании с локальной стороны
	StateHoldLocal
	// StateHoldRemote — вызов на удержании с удаленной стороны
	StateHoldRemote
	// StateHoldBoth — вызов на удержании с обеих сторон
	StateHoldBoth
	// StateDisconnecting — вызов разъединяется
	StateDisconnecting
	// StateDisconnected — вызов разъединен
	StateDisconnected
	// StateCriticalError — невосстановимая ошибка
	StateCriticalError
	// StateInitTransfer — инициируется перевод вызова
	StateInitTransfer
	// StateTransferring — завершается перевод вызова
	StateTransferring
)

// StateMaskBusy — состояния, в которых вызов считается занимающим линию
const StateMaskBusy = StateConnecting | StateConnected |
	StateHoldLocal | StateHoldRemote | StateHoldBoth |
	StateDisconnecting | StateInitTransfer | StateTransferring

// StateMaskHold — все варианты удержания
const StateMaskHold = StateHoldLocal | StateHoldRemote | StateHoldBoth

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateHoldLocal:
		return "HoldLocal"
	case StateHoldRemote:
		return "HoldRemote"
	case StateHoldBoth:
		return "HoldBoth"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateCriticalError:
		return "CriticalError"
	case StateInitTransfer:
		return "InitTransfer"
	case StateTransferring:
		return "Transferring"
	default:
		return "Unknown"
	}
}

// Phase — фаза подсостояния. В отличие от основного состояния фазы не
// маска: в каждый момент у вызова ровно одна фаза.
type Phase int

const (
	// PhaseNone — подсостояние по умолчанию
	PhaseNone Phase = iota

	// фазы Connecting

	// PhaseCalling — локальная сторона начала исходящий вызов
	PhaseCalling
	// PhaseAnswering — локальная сторона принимает входящий вызов
	PhaseAnswering
	// PhaseResolveName — номер набора разрешается во внешнем справочнике
	PhaseResolveName
	// PhaseWaitingForRemoteResponse — удаленная сторона звонит
	PhaseWaitingForRemoteResponse
	// PhaseWaitingForUserResponse — локальная сторона звонит
	PhaseWaitingForUserResponse

	// фазы Connected

	// PhaseEstablishing — соединение установлено, медиаканалы открываются
	PhaseEstablishing
	// PhaseConferencing — вызов полностью установлен, медиа идет
	PhaseConferencing
	// PhaseNegotiatingHold — согласовывается удержание (см. Origin)
	PhaseNegotiatingHold
	// PhaseNegotiatingResume — согласовывается снятие с удержания
	PhaseNegotiatingResume

	// фазы Hold*

	// PhaseHeld — вызов на удержании
	PhaseHeld

	// фазы Disconnecting/Disconnected — причина разъединения

	// PhaseBusy — удаленная сторона занята
	PhaseBusy
	// PhaseRejected — вызов отклонен
	PhaseRejected
	// PhaseUnreachable — удаленная сторона недоступна
	PhaseUnreachable
	// PhaseLocalHangup — разъединение по инициативе локальной стороны
	PhaseLocalHangup
	// PhaseRemoteHangup — разъединение по инициативе удаленной стороны
	PhaseRemoteHangup
	// PhaseShuttingDown — разъединение из-за остановки приложения
	PhaseShuttingDown
	// PhaseErrorOccurred — разъединение из-за ошибки
	PhaseErrorOccurred
	// PhaseLeaveMessage — удаленная сторона не ответила, можно оставить
	// сообщение
	PhaseLeaveMessage
	// PhaseMessageComplete — запись сообщения завершена
	PhaseMessageComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseCalling:
		return "Calling"
	case PhaseAnswering:
		return "Answering"
	case PhaseResolveName:
		return "ResolveName"
	case PhaseWaitingForRemoteResponse:
		return "WaitingForRemoteResponse"
	case PhaseWaitingForUserResponse:
		return "WaitingForUserResponse"
	case PhaseEstablishing:
		return "Establishing"
	case PhaseConferencing:
		return "Conferencing"
	case PhaseNegotiatingHold:
		return "NegotiatingHold"
	case PhaseNegotiatingResume:
		return "NegotiatingResume"
	case PhaseHeld:
		return "Held"
	case PhaseBusy:
		return "Busy"
	case PhaseRejected:
		return "Rejected"
	case PhaseUnreachable:
		return "Unreachable"
	case PhaseLocalHangup:
		return "LocalHangup"
	case PhaseRemoteHangup:
		return "RemoteHangup"
	case PhaseShuttingDown:
		return "ShuttingDown"
	case PhaseErrorOccurred:
		return "ErrorOccurred"
	case PhaseLeaveMessage:
		return "LeaveMessage"
	case PhaseMessageComplete:
		return "MessageComplete"
	default:
		return "Unknown"
	}
}

// Origin — инициатор фазы согласования (удержание/снятие с удержания)
type Origin int

const (
	// OriginNone — фаза не имеет инициатора
	OriginNone Origin = iota
	// OriginLocal — инициировано локальной стороной
	OriginLocal
	// OriginRemote — инициировано удаленной стороной
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "Local"
	case OriginRemote:
		return "Remote"
	default:
		return "None"
	}
}

// Substate — подсостояние вызова: фаза плюс инициатор. Инициатор
// значим только для фаз согласования удержания.
type Substate struct {
	Phase  Phase
	Origin Origin
}

// SubstateNone — подсостояние по умолчанию
var SubstateNone = Substate{}

func (s Substate) String() string {
	if s.Origin == OriginNone {
		return s.Phase.String()
	}
	return s.Phase.String() + "/" + s.Origin.String()
}

// Negotiating сообщает, что подсостояние — фаза согласования
// удержания или снятия с удержания
func (s Substate) Negotiating() bool {
	return s.Phase == PhaseNegotiatingHold || s.Phase == PhaseNegotiatingResume
}

// phasesByState — допустимые фазы для каждого основного состояния
var phasesByState = map[State]map[Phase]bool{
	StateIdle: {PhaseNone: true},
	StateConnecting: {
		PhaseNone: true, PhaseCalling: true, PhaseAnswering: true,
		PhaseResolveName: true, PhaseWaitingForRemoteResponse: true,
		PhaseWaitingForUserResponse: true,
	},
	StateConnected: {
		PhaseNone: true, PhaseEstablishing: true, PhaseConferencing: true,
		PhaseNegotiatingHold: true, PhaseNegotiatingResume: true,
	},
	StateHoldLocal: {
		PhaseNone: true, PhaseHeld: true,
		PhaseNegotiatingHold: true, PhaseNegotiatingResume: true,
	},
	StateHoldRemote: {
		PhaseNone: true, PhaseHeld: true,
		PhaseNegotiatingHold: true, PhaseNegotiatingResume: true,
	},
	StateHoldBoth: {
		PhaseNone: true, PhaseHeld: true,
		PhaseNegotiatingHold: true, PhaseNegotiatingResume: true,
	},
	StateDisconnecting: {
		PhaseNone: true, PhaseBusy: true, PhaseRejected: true,
		PhaseUnreachable: true, PhaseLocalHangup: true,
		PhaseRemoteHangup: true, PhaseShuttingDown: true,
		PhaseErrorOccurred: true,
	},
	StateDisconnected: {
		PhaseNone: true, PhaseBusy: true, PhaseRejected: true,
		PhaseUnreachable: true, PhaseLocalHangup: true,
		PhaseRemoteHangup: true, PhaseShuttingDown: true,
		PhaseErrorOccurred: true, PhaseLeaveMessage: true,
		PhaseMessageComplete: true,
	},
	StateCriticalError: nil, // любая фаза
	StateInitTransfer:  {PhaseNone: true},
	StateTransferring:  {PhaseNone: true},
}

// ValidFor проверяет допустимость подсостояния в данном основном
// состоянии. Инициатор допустим только у фаз согласования.
func (s Substate) ValidFor(state State) bool {
	if s.Origin != OriginNone && !s.Negotiating() {
		return false
	}
	if s.Negotiating() && s.Origin == OriginNone {
		return false
	}
	phases, ok := phasesByState[state]
	if !ok {
		return false
	}
	if phases == nil {
		return true
	}
	return phases[s.Phase]
}

// Direction — направление вызова
type Direction int

const (
	// Incoming — входящий вызов
	Incoming Direction = iota
	// Outgoing — исходящий вызов
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}
