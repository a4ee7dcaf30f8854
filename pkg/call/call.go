package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// callIndexCounter — сквозной счетчик вызовов процесса
var callIndexCounter atomic.Int64

// Call — один вызов. Все поля защищены внутренней блокировкой:
// геттеры и сеттеры можно вызывать с любой горутины. Обработка
// переходов состояния принадлежит менеджеру конференций, сам объект
// только хранит состояние и проверяет допустимость переходов.
type Call struct {
	id        string
	index     int64
	direction Direction

	mu       sync.Mutex
	state    State
	substate Substate
	machine  *fsm.FSM

	dialString     string
	remoteDisplay  string
	localDisplay   string
	returnCallInfo string

	notifyApp             bool
	notifyAppOfHoldChange bool
	notifyAppOfIncoming   bool
	conferenced           bool
	appNotifiedOfConf     bool
	autoRejected          bool

	stats Statistics
}

// StateChange описывает один переход состояния вызова
type StateChange struct {
	Call         *Call
	PrevState    State
	PrevSubstate Substate
	NewState     State
	NewSubstate  Substate
}

// New создает вызов в состоянии Idle
func New(direction Direction) *Call {
	return &Call{
		id:                    uuid.NewString(),
		index:                 callIndexCounter.Add(1),
		direction:             direction,
		state:                 StateIdle,
		substate:              SubstateNone,
		machine:               newStateMachine(),
		notifyApp:             true,
		notifyAppOfHoldChange: true,
		notifyAppOfIncoming:   true,
	}
}

// newStateMachine строит автомат допустимых переходов основного
// состояния. Имя события — целевое состояние.
func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle.String(),
		fsm.Events{
			{Name: StateConnecting.String(), Src: []string{
				StateIdle.String(),
			}, Dst: StateConnecting.String()},
			{Name: StateConnected.String(), Src: []string{
				StateConnecting.String(), StateHoldLocal.String(),
				StateHoldRemote.String(), StateHoldBoth.String(),
				StateInitTransfer.String(), StateTransferring.String(),
			}, Dst: StateConnected.String()},
			{Name: StateHoldLocal.String(), Src: []string{
				StateConnected.String(), StateHoldBoth.String(),
			}, Dst: StateHoldLocal.String()},
			{Name: StateHoldRemote.String(), Src: []string{
				StateConnected.String(), StateHoldBoth.String(),
			}, Dst: StateHoldRemote.String()},
			{Name: StateHoldBoth.String(), Src: []string{
				StateConnected.String(), StateHoldLocal.String(),
				StateHoldRemote.String(),
			}, Dst: StateHoldBoth.String()},
			{Name: StateInitTransfer.String(), Src: []string{
				StateConnected.String(), StateHoldLocal.String(),
				StateHoldRemote.String(), StateHoldBoth.String(),
			}, Dst: StateInitTransfer.String()},
			{Name: StateTransferring.String(), Src: []string{
				StateInitTransfer.String(),
			}, Dst: StateTransferring.String()},
			{Name: StateDisconnecting.String(), Src: []string{
				StateIdle.String(), StateConnecting.String(),
				StateConnected.String(), StateHoldLocal.String(),
				StateHoldRemote.String(), StateHoldBoth.String(),
				StateInitTransfer.String(), StateTransferring.String(),
				StateCriticalError.String(),
			}, Dst: StateDisconnecting.String()},
			{Name: StateDisconnected.String(), Src: []string{
				StateIdle.String(), StateConnecting.String(),
				StateConnected.String(), StateHoldLocal.String(),
				StateHoldRemote.String(), StateHoldBoth.String(),
				StateInitTransfer.String(), StateTransferring.String(),
				StateDisconnecting.String(), StateCriticalError.String(),
			}, Dst: StateDisconnected.String()},
			{Name: StateCriticalError.String(), Src: []string{
				StateIdle.String(), StateConnecting.String(),
				StateConnected.String(), StateHoldLocal.String(),
				StateHoldRemote.String(), StateHoldBoth.String(),
				StateInitTransfer.String(), StateTransferring.String(),
				StateDisconnecting.String(),
			}, Dst: StateCriticalError.String()},
		},
		fsm.Callbacks{},
	)
}

// ID возвращает идентификатор вызова
func (c *Call) ID() string { return c.id }

// Index возвращает сквозной номер вызова в процессе
func (c *Call) Index() int64 { return c.index }

// Direction возвращает направление вызова
func (c *Call) Direction() Direction { return c.direction }

// State возвращает текущее основное состояние
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Substate возвращает текущее подсостояние
func (c *Call) Substate() Substate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.substate
}

// StateIn проверяет вхождение текущего состояния в маску
func (c *Call) StateIn(mask State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state&mask != 0
}

// AdvanceState переводит вызов в новое состояние и подсостояние.
// Недопустимый переход или несовместимое подсостояние — ошибка, не
// паника: протокольный слой может гнаться с локальным разъединением.
// При prevState == newState меняется только подсостояние.
func (c *Call) AdvanceState(newState State, newSubstate Substate) (StateChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !newSubstate.ValidFor(newState) {
		return StateChange{}, fmt.Errorf("call %s: substate %s is not valid in state %s",
			c.id, newSubstate, newState)
	}

	change := StateChange{
		Call:         c,
		PrevState:    c.state,
		PrevSubstate: c.substate,
		NewState:     newState,
		NewSubstate:  newSubstate,
	}

	if newState != c.state {
		if err := c.machine.Event(context.Background(), newState.String()); err != nil {
			return StateChange{}, fmt.Errorf("call %s: transition %s -> %s: %w",
				c.id, c.state, newState, err)
		}
		c.state = newState
	}
	c.substate = newSubstate
	return change, nil
}

// DialString возвращает набранный номер
func (c *Call) DialString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialString
}

// DialStringSet записывает набранный номер
func (c *Call) DialStringSet(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialString = s
}

// RemoteDisplayName возвращает отображаемое имя удаленной стороны
func (c *Call) RemoteDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDisplay
}

// RemoteDisplayNameSet записывает отображаемое имя удаленной стороны
func (c *Call) RemoteDisplayNameSet(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDisplay = s
}

// LocalDisplayName возвращает отображаемое имя локальной стороны
func (c *Call) LocalDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDisplay
}

// LocalDisplayNameSet записывает отображаемое имя локальной стороны
func (c *Call) LocalDisplayNameSet(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDisplay = s
}

// ReturnCallInfo возвращает номер для обратного вызова
func (c *Call) ReturnCallInfo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returnCallInfo
}

// ReturnCallInfoSet записывает номер для обратного вызова
func (c *Call) ReturnCallInfoSet(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returnCallInfo = s
}

// NotifyApp сообщает, должен ли вызов быть виден приложению
func (c *Call) NotifyApp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyApp
}

// NotifyAppSet управляет видимостью вызова для приложения.
// false — ни одно уведомление по этому вызову не дойдет до приложения.
func (c *Call) NotifyAppSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyApp = v
}

// NotifyAppOfHoldChange сообщает, уведомлять ли об изменениях удержания
func (c *Call) NotifyAppOfHoldChange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyAppOfHoldChange
}

// NotifyAppOfHoldChangeSet управляет уведомлениями об удержании
func (c *Call) NotifyAppOfHoldChangeSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyAppOfHoldChange = v
}

// NotifyAppOfIncoming сообщает, показывается ли вызов приложению
// вообще; сбрасывается для вызовов второй линии и автоответа
func (c *Call) NotifyAppOfIncoming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyAppOfIncoming
}

// NotifyAppOfIncomingSet управляет показом вызова приложению
func (c *Call) NotifyAppOfIncomingSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyAppOfIncoming = v
}

// Conferenced сообщает, достигал ли вызов хоть раз установленного медиа
func (c *Call) Conferenced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conferenced
}

// ConferencedSet выставляется при первом входе в Conferencing
func (c *Call) ConferencedSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conferenced = v
}

// AppNotifiedOfConferencing — защита от повторного уведомления об
// установлении конференции
func (c *Call) AppNotifiedOfConferencing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appNotifiedOfConf
}

// AppNotifiedOfConferencingSet фиксирует факт уведомления
func (c *Call) AppNotifiedOfConferencingSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appNotifiedOfConf = v
}

// AutoRejected сообщает, был ли вызов отклонен автоматически
func (c *Call) AutoRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRejected
}

// AutoRejectedSet помечает вызов автоматически отклоненным; такие
// вызовы не показываются приложению
func (c *Call) AutoRejectedSet(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoRejected = v
	if v {
		c.notifyApp = false
	}
}

// Statistics — окно накопления статистики вызова
type Statistics struct {
	WindowStart   time.Time
	LastCollected time.Time
	Collections   int
}

// StatsClear обнуляет окно статистики и отмечает его начало
func (c *Call) StatsClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Statistics{WindowStart: time.Now()}
}

// StatsCollect снимает очередной срез статистики
func (c *Call) StatsCollect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Collections++
	c.stats.LastCollected = time.Now()
}

// Stats возвращает копию окна статистики
func (c *Call) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
