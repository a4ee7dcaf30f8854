package conference

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/video_phone/pkg/call"
	"github.com/arzzra/video_phone/pkg/eventqueue"
	"github.com/arzzra/video_phone/pkg/watchdog"
)

type mockProtocol struct {
	mu          sync.Mutex
	dialed      []*call.Call
	hangups     []*call.Call
	ports       []Ports
	reregisters int

	dialErr  error
	portsErr error
}

func (p *mockProtocol) Dial(c *call.Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return p.dialErr
	}
	p.dialed = append(p.dialed, c)
	return nil
}

func (p *mockProtocol) Hangup(c *call.Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, c)
	return nil
}

func (p *mockProtocol) PortsSet(ports Ports) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.portsErr != nil {
		return p.portsErr
	}
	p.ports = append(p.ports, ports)
	return nil
}

func (p *mockProtocol) Reregister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reregisters++
}

func (p *mockProtocol) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialed)
}

func (p *mockProtocol) hangupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hangups)
}

func (p *mockProtocol) portsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ports)
}

func (p *mockProtocol) reregisterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reregisters
}

// notifyRecorder пишет имена испущенных сигналов в порядке испускания
type notifyRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *notifyRecorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *notifyRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *notifyRecorder) count(name string) int {
	n := 0
	for _, got := range r.all() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *notifyRecorder) has(name string) bool { return r.count(name) > 0 }

func recordAll(n *Notifications) *notifyRecorder {
	r := &notifyRecorder{}
	n.StateChanged.Connect(func(ch call.StateChange) { r.add("StateChanged:" + ch.NewState.String()) })
	n.OutgoingCall.Connect(func(*call.Call) { r.add("OutgoingCall") })
	n.Dialing.Connect(func(*call.Call) { r.add("Dialing") })
	n.IncomingCall.Connect(func(*call.Call) { r.add("IncomingCall") })
	n.AnsweringCall.Connect(func(*call.Call) { r.add("AnsweringCall") })
	n.Ringing.Connect(func(*call.Call) { r.add("Ringing") })
	n.LocalRingCount.Connect(func(c int) { r.add(fmt.Sprintf("LocalRingCount:%d", c)) })
	n.RemoteRingCount.Connect(func(c int) { r.add(fmt.Sprintf("RemoteRingCount:%d", c)) })
	n.EstablishingConference.Connect(func(*call.Call) { r.add("EstablishingConference") })
	n.Conferencing.Connect(func(*call.Call) { r.add("Conferencing") })
	n.ResumedLocal.Connect(func(*call.Call) { r.add("ResumedLocal") })
	n.ResumedRemote.Connect(func(*call.Call) { r.add("ResumedRemote") })
	n.HeldLocal.Connect(func(*call.Call) { r.add("HeldLocal") })
	n.HeldRemote.Connect(func(*call.Call) { r.add("HeldRemote") })
	n.Disconnecting.Connect(func(*call.Call) { r.add("Disconnecting") })
	n.Disconnected.Connect(func(*call.Call) { r.add("Disconnected") })
	n.LeaveMessage.Connect(func(*call.Call) { r.add("LeaveMessage") })
	n.CriticalError.Connect(func(*call.Call) { r.add("CriticalError") })
	n.ActiveCalls.Connect(func(v bool) { r.add(fmt.Sprintf("ActiveCalls:%v", v)) })
	n.PortsChanged.Connect(func(ok bool) { r.add(fmt.Sprintf("PortsChanged:%v", ok)) })
	return r
}

type harness struct {
	t  *testing.T
	m  *Manager
	p  *mockProtocol
	r  *notifyRecorder
	wd *watchdog.Watchdog
}

// newHarness собирает менеджера с незапущенным сервисом таймеров:
// взведенность таймеров проверяется детерминированно, без срабатываний
func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	wd := watchdog.New()
	p := &mockProtocol{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := NewManager(cfg, wd, p, logger)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)

	return &harness{t: t, m: m, p: p, r: recordAll(m.Notifications()), wd: wd}
}

// flush дожидается обработки всего опубликованного в очередь менеджера
func (h *harness) flush() {
	<-eventqueue.Execute(h.m.queue, func() struct{} { return struct{}{} })
}

func (h *harness) advance(c *call.Call, st call.State, sub call.Substate) {
	h.t.Helper()
	h.m.AdvanceCall(c, st, sub)
	h.flush()
}

func (h *harness) dial(number string) *call.Call {
	h.t.Helper()
	c, err := h.m.Dial(number)
	require.NoError(h.t, err)
	return c
}

// conference доводит вызов до установленного состояния
func (h *harness) conference(c *call.Call) {
	h.t.Helper()
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseEstablishing})
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
}

func (h *harness) disconnect(c *call.Call) {
	h.t.Helper()
	h.advance(c, call.StateDisconnecting, call.Substate{Phase: call.PhaseLocalHangup})
	h.advance(c, call.StateDisconnected, call.Substate{Phase: call.PhaseLocalHangup})
}

func TestDialEmitsOutgoingCall(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("1005550100")
	assert.Equal(t, call.StateConnecting, c.State())
	assert.Equal(t, call.PhaseCalling, c.Substate().Phase)
	assert.Equal(t, "1005550100", c.DialString())
	assert.Equal(t, 1, h.p.dialCount())

	assert.True(t, h.r.has("StateChanged:Connecting"))
	assert.True(t, h.r.has("OutgoingCall"))
	assert.True(t, h.r.has("Dialing"))
	assert.True(t, h.r.has("ActiveCalls:true"))
}

func TestDialRejectedWhileIncomingPending(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.CallIncoming("alice", "sip:alice@example.com")
	require.NoError(t, err)

	_, err = h.m.Dial("1005550100")
	assert.ErrorIs(t, err, ErrIncomingPending)
	assert.Equal(t, 0, h.p.dialCount())
	assert.Equal(t, 1, h.m.Storage().Len())
}

func TestDialFailureLeavesNoCall(t *testing.T) {
	h := newHarness(t, nil)
	h.p.dialErr = errors.New("no transport")

	_, err := h.m.Dial("1005550100")
	require.Error(t, err)
	assert.Equal(t, 0, h.m.Storage().Len())
	assert.False(t, h.r.has("OutgoingCall"))
	assert.False(t, h.r.has("ActiveCalls:true"))
}

func TestIncomingCallStartsLocalRing(t *testing.T) {
	h := newHarness(t, nil)

	c, err := h.m.CallIncoming("alice", "")
	require.NoError(t, err)
	assert.Equal(t, call.PhaseAnswering, c.Substate().Phase)
	assert.True(t, h.r.has("AnsweringCall"))

	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForUserResponse})
	assert.True(t, h.r.has("IncomingCall"))
	assert.True(t, h.r.has("LocalRingCount:1"))
	assert.True(t, h.m.localRingTimer.Active())

	// ответ на вызов останавливает гудки
	h.conference(c)
	assert.False(t, h.m.localRingTimer.Active())
}

func TestRemoteRingStopsWithLastOutgoingCall(t *testing.T) {
	h := newHarness(t, nil)

	a := h.dial("100")
	h.advance(a, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})
	assert.True(t, h.r.has("Ringing"))
	assert.True(t, h.r.has("RemoteRingCount:1"))
	assert.True(t, h.m.remoteRingTimer.Active())

	b := h.dial("200")
	h.advance(b, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})

	// пока второй исходящий занимает линию, гудки продолжаются
	h.advance(a, call.StateDisconnected, call.Substate{Phase: call.PhaseRemoteHangup})
	assert.True(t, h.m.remoteRingTimer.Active())

	h.advance(b, call.StateDisconnected, call.Substate{Phase: call.PhaseRemoteHangup})
	assert.False(t, h.m.remoteRingTimer.Active())
}

func TestConferencingNotifiedOncePerCall(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})
	h.conference(c)

	assert.Equal(t, 1, h.r.count("EstablishingConference"))
	assert.Equal(t, 1, h.r.count("Conferencing"))
	assert.True(t, c.Conferenced())
	assert.True(t, h.m.statsTimer.Active())
	assert.False(t, c.Stats().WindowStart.IsZero())

	// повторный вход в то же подсостояние счетчик не двигает
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	assert.Equal(t, 1, h.r.count("Conferencing"))
	assert.Equal(t, 1, h.m.statsUsers.count)

	// цикл удержания: повторный вход в Conferencing не уведомляет заново
	h.advance(c, call.StateConnected,
		call.Substate{Phase: call.PhaseNegotiatingHold, Origin: call.OriginLocal})
	h.advance(c, call.StateHoldLocal, call.Substate{Phase: call.PhaseHeld})
	assert.Equal(t, 1, h.r.count("HeldLocal"))

	h.advance(c, call.StateHoldLocal,
		call.Substate{Phase: call.PhaseNegotiatingResume, Origin: call.OriginLocal})
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	assert.Equal(t, 1, h.r.count("ResumedLocal"))
	assert.Equal(t, 1, h.r.count("Conferencing"))
}

func TestRemoteHoldNotifications(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.conference(c)

	h.advance(c, call.StateConnected,
		call.Substate{Phase: call.PhaseNegotiatingHold, Origin: call.OriginRemote})
	h.advance(c, call.StateHoldRemote, call.Substate{Phase: call.PhaseHeld})
	assert.Equal(t, 1, h.r.count("HeldRemote"))

	h.advance(c, call.StateHoldRemote,
		call.Substate{Phase: call.PhaseNegotiatingResume, Origin: call.OriginRemote})
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	assert.Equal(t, 1, h.r.count("ResumedRemote"))
}

func TestHoldNotificationsGatedByFlag(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.conference(c)
	c.NotifyAppOfHoldChangeSet(false)

	h.advance(c, call.StateConnected,
		call.Substate{Phase: call.PhaseNegotiatingHold, Origin: call.OriginLocal})
	h.advance(c, call.StateHoldLocal, call.Substate{Phase: call.PhaseHeld})
	assert.False(t, h.r.has("HeldLocal"))
}

func TestStatsTimerStopsWithLastConferencedCall(t *testing.T) {
	h := newHarness(t, nil)

	a := h.dial("100")
	h.conference(a)
	b := h.dial("200")
	h.conference(b)
	assert.True(t, h.m.statsTimer.Active())

	// первый вызов проходит и Disconnecting и Disconnected: счетчик
	// должен уменьшиться только один раз
	h.disconnect(a)
	assert.True(t, h.m.statsTimer.Active())

	h.disconnect(b)
	assert.False(t, h.m.statsTimer.Active())
}

func TestAutoRejectedCallIsSilent(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AutoReject = true })

	c, err := h.m.CallIncoming("spam", "")
	require.NoError(t, err)
	assert.True(t, c.AutoRejected())
	assert.Equal(t, 1, h.p.hangupCount())

	h.disconnect(c)
	assert.False(t, h.r.has("StateChanged:Connecting"))
	assert.False(t, h.r.has("IncomingCall"))
	assert.False(t, h.r.has("Disconnecting"))
	assert.False(t, h.r.has("Disconnected"))
}

func TestPortsAppliedImmediatelyWhenIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PortsSet(Ports{AudioRTP: 4000, AudioRTCP: 4001})
	h.flush()
	assert.Equal(t, 1, h.p.portsCount())

	h.m.PortCompletionReport(true)
	h.flush()
	assert.Equal(t, 1, h.r.count("PortsChanged:true"))

	// опоздавший отклик завершенной партии игнорируется
	h.m.PortCompletionReport(true)
	h.flush()
	assert.Equal(t, 1, h.r.count("PortsChanged:true"))
}

func TestPortsFailureReportedOnce(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PortsSet(Ports{AudioRTP: 4000})
	h.flush()
	h.m.PortCompletionReport(false)
	h.flush()

	assert.Equal(t, 1, h.r.count("PortsChanged:false"))
	assert.False(t, h.r.has("PortsChanged:true"))
}

func TestPortsDeferredUntilIdle(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.m.PortsSet(Ports{AudioRTP: 4000})
	h.flush()
	assert.Equal(t, 0, h.p.portsCount())

	// смена применяется на переходе последнего вызова в Disconnected
	h.disconnect(c)
	assert.Equal(t, 1, h.p.portsCount())

	h.m.PortCompletionReport(true)
	h.flush()
	assert.True(t, h.r.has("PortsChanged:true"))
}

func TestPortsSetErrorCompletesBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.p.portsErr = errors.New("socket bind failed")

	h.m.PortsSet(Ports{AudioRTP: 4000})
	h.flush()
	assert.Equal(t, 1, h.r.count("PortsChanged:false"))
}

func TestReregisterDeferredUntilIdleExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.m.ClientReregister()
	h.flush()
	assert.Equal(t, 0, h.p.reregisterCount())

	h.disconnect(c)
	assert.Equal(t, 1, h.r.count("ActiveCalls:false"))
	assert.Equal(t, 1, h.p.reregisterCount())

	// следующий цикл занятости без нового запроса ничего не добавляет
	c2 := h.dial("200")
	h.disconnect(c2)
	assert.Equal(t, 1, h.p.reregisterCount())
}

func TestReregisterForwardedWhenIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.m.ClientReregister()
	h.flush()
	assert.Equal(t, 1, h.p.reregisterCount())
}

func TestLeaveMessageFlow(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})

	h.advance(c, call.StateDisconnected, call.Substate{Phase: call.PhaseLeaveMessage})
	assert.Equal(t, 1, h.r.count("LeaveMessage"))
	assert.False(t, h.r.has("Disconnected"))
	// вызов жив: запись сообщения впереди, чистка не взводится
	assert.False(t, h.m.purgeTimer.Active())

	h.advance(c, call.StateDisconnected, call.Substate{Phase: call.PhaseMessageComplete})
	assert.True(t, h.m.purgeTimer.Active())

	// повторный LeaveMessage после завершения записи не уведомляет
	h.advance(c, call.StateDisconnected, call.Substate{Phase: call.PhaseLeaveMessage})
	assert.Equal(t, 1, h.r.count("LeaveMessage"))
}

func TestHangupAllCoversBusyCalls(t *testing.T) {
	h := newHarness(t, nil)

	a := h.dial("100")
	h.dial("200")
	h.conference(a)

	h.m.HangupAll()
	h.flush()
	assert.Equal(t, 2, h.p.hangupCount())
}

func TestCriticalErrorAlwaysNotified(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	c.NotifyAppSet(false)

	h.advance(c, call.StateCriticalError, call.SubstateNone)
	assert.True(t, h.r.has("CriticalError"))
}

func TestHiddenCallProducesNoNotifications(t *testing.T) {
	h := newHarness(t, nil)

	c, err := h.m.CallIncoming("alice", "")
	require.NoError(t, err)
	c.NotifyAppSet(false)
	c.NotifyAppOfIncomingSet(false)
	before := len(h.r.all())

	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForUserResponse})
	h.conference(c)
	h.advance(c, call.StateConnected,
		call.Substate{Phase: call.PhaseNegotiatingHold, Origin: call.OriginRemote})
	h.advance(c, call.StateHoldRemote, call.Substate{Phase: call.PhaseHeld})
	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	h.disconnect(c)

	// после скрытия вызова наружу уходит только глобальный признак линии
	for _, name := range h.r.all()[before:] {
		assert.Contains(t, name, "ActiveCalls:", "unexpected notification %s", name)
	}
}

func TestDisconnectedNotificationAndPurge(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.disconnect(c)

	assert.True(t, h.r.has("Disconnecting"))
	assert.True(t, h.r.has("Disconnected"))
	assert.True(t, h.m.purgeTimer.Active())
	// объект переживает чистку не раньше таймера
	assert.Equal(t, 1, h.m.Storage().Len())
}

// staleFire доставляет срабатывание таймера, вставшее в очередь до
// события, которое таймер остановило
func (h *harness) staleFire(timer *eventqueue.EventTimer) {
	h.t.Helper()
	h.m.queue.PostEvent(func() { timer.Timeout().Emit(struct{}{}) })
	h.flush()
}

func TestStaleLocalRingFireAfterAnswerDoesNotRearm(t *testing.T) {
	h := newHarness(t, nil)

	c, err := h.m.CallIncoming("alice", "")
	require.NoError(t, err)
	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForUserResponse})
	require.True(t, h.m.localRingTimer.Active())

	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	h.staleFire(h.m.localRingTimer)

	assert.False(t, h.m.localRingTimer.Active())
	assert.Equal(t, 1, h.r.count("LocalRingCount:1"))
	assert.Equal(t, 0, h.r.count("LocalRingCount:2"))
}

func TestStaleRemoteRingFireAfterConnectDoesNotRearm(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.advance(c, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})
	require.True(t, h.m.remoteRingTimer.Active())

	h.advance(c, call.StateConnected, call.Substate{Phase: call.PhaseConferencing})
	h.staleFire(h.m.remoteRingTimer)

	assert.False(t, h.m.remoteRingTimer.Active())
	assert.Equal(t, 1, h.r.count("RemoteRingCount:1"))
	assert.Equal(t, 0, h.r.count("RemoteRingCount:2"))
}

func TestStaleStatsFireAfterLastCallDoesNotRearm(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial("100")
	h.conference(c)
	require.True(t, h.m.statsTimer.Active())

	h.disconnect(c)
	require.False(t, h.m.statsTimer.Active())

	h.staleFire(h.m.statsTimer)
	assert.False(t, h.m.statsTimer.Active())
}

func TestPurgeSparesCallAwaitingMessage(t *testing.T) {
	h := newHarness(t, nil)

	a := h.dial("100")
	h.advance(a, call.StateConnecting, call.Substate{Phase: call.PhaseWaitingForRemoteResponse})
	h.advance(a, call.StateDisconnected, call.Substate{Phase: call.PhaseLeaveMessage})

	// чужое разъединение взводит общую чистку
	b := h.dial("200")
	h.disconnect(b)
	require.True(t, h.m.purgeTimer.Active())

	h.staleFire(h.m.purgeTimer)
	assert.NotNil(t, h.m.Storage().ByID(a.ID()), "call awaiting message recording must survive the purge")
	assert.Nil(t, h.m.Storage().ByID(b.ID()))
}
