package conference

import (
	"github.com/arzzra/video_phone/pkg/call"
	"github.com/arzzra/video_phone/pkg/eventqueue"
)

// Notifications — сигналы менеджера для приложения. Все сигналы
// испускаются с горутины очереди менеджера; обработчики не должны
// блокироваться и не должны синхронно ждать результатов методов
// менеджера.
type Notifications struct {
	// StateChanged — смена основного состояния вызова. Испускается
	// только при prevState != newState и только для видимых приложению
	// вызовов.
	StateChanged *eventqueue.Signal[call.StateChange]

	// OutgoingCall — начат исходящий вызов
	OutgoingCall *eventqueue.Signal[*call.Call]
	// Dialing — исходящий вызов набирается
	Dialing *eventqueue.Signal[*call.Call]
	// IncomingCall — входящий вызов показан приложению
	IncomingCall *eventqueue.Signal[*call.Call]
	// AnsweringCall — локальная сторона принимает входящий вызов
	AnsweringCall *eventqueue.Signal[*call.Call]
	// Ringing — удаленная сторона звонит
	Ringing *eventqueue.Signal[*call.Call]
	// LocalRingCount — номер текущего гудка входящего вызова
	LocalRingCount *eventqueue.Signal[int]
	// RemoteRingCount — номер текущего гудка исходящего вызова
	RemoteRingCount *eventqueue.Signal[int]

	// EstablishingConference — соединение есть, медиаканалы открываются
	EstablishingConference *eventqueue.Signal[*call.Call]
	// Conferencing — вызов полностью установлен; ровно один раз на вызов
	Conferencing *eventqueue.Signal[*call.Call]
	// ResumedLocal — удержание снято локальной стороной
	ResumedLocal *eventqueue.Signal[*call.Call]
	// ResumedRemote — удержание снято удаленной стороной
	ResumedRemote *eventqueue.Signal[*call.Call]
	// HeldLocal — вызов удержан локальной стороной
	HeldLocal *eventqueue.Signal[*call.Call]
	// HeldRemote — вызов удержан удаленной стороной
	HeldRemote *eventqueue.Signal[*call.Call]

	// Disconnecting — вызов разъединяется
	Disconnecting *eventqueue.Signal[*call.Call]
	// Disconnected — вызов разъединен
	Disconnected *eventqueue.Signal[*call.Call]
	// LeaveMessage — удаленная сторона не ответила, можно оставить
	// сообщение
	LeaveMessage *eventqueue.Signal[*call.Call]
	// CriticalError — невосстановимая ошибка вызова; испускается всегда,
	// вне зависимости от флагов видимости
	CriticalError *eventqueue.Signal[*call.Call]

	// ActiveCalls — смена признака "есть вызовы, занимающие линию"
	ActiveCalls *eventqueue.Signal[bool]
	// PortsChanged — итог партии смены портов; true, если все операции
	// партии успешны
	PortsChanged *eventqueue.Signal[bool]
}

func newNotifications() *Notifications {
	return &Notifications{
		StateChanged:           eventqueue.NewSignal[call.StateChange](),
		OutgoingCall:           eventqueue.NewSignal[*call.Call](),
		Dialing:                eventqueue.NewSignal[*call.Call](),
		IncomingCall:           eventqueue.NewSignal[*call.Call](),
		AnsweringCall:          eventqueue.NewSignal[*call.Call](),
		Ringing:                eventqueue.NewSignal[*call.Call](),
		LocalRingCount:         eventqueue.NewSignal[int](),
		RemoteRingCount:        eventqueue.NewSignal[int](),
		EstablishingConference: eventqueue.NewSignal[*call.Call](),
		Conferencing:           eventqueue.NewSignal[*call.Call](),
		ResumedLocal:           eventqueue.NewSignal[*call.Call](),
		ResumedRemote:          eventqueue.NewSignal[*call.Call](),
		HeldLocal:              eventqueue.NewSignal[*call.Call](),
		HeldRemote:             eventqueue.NewSignal[*call.Call](),
		Disconnecting:          eventqueue.NewSignal[*call.Call](),
		Disconnected:           eventqueue.NewSignal[*call.Call](),
		LeaveMessage:           eventqueue.NewSignal[*call.Call](),
		CriticalError:          eventqueue.NewSignal[*call.Call](),
		ActiveCalls:            eventqueue.NewSignal[bool](),
		PortsChanged:           eventqueue.NewSignal[bool](),
	}
}
