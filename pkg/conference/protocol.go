package conference

import "github.com/arzzra/video_phone/pkg/call"

// Ports — набор локальных транспортных портов конференции
type Ports struct {
	AudioRTP  uint16
	AudioRTCP uint16
	VideoRTP  uint16
	VideoRTCP uint16
}

// Protocol — протокольный слой, которым менеджер управляет вызовами.
// Реализация может подтверждать операции асинхронно: переходы состояний
// она возвращает менеджеру через AdvanceCall, итог смены портов — через
// PortCompletionReport.
type Protocol interface {
	// Dial начинает исходящий вызов по номеру из call.DialString
	Dial(c *call.Call) error
	// Hangup разрывает вызов
	Hangup(c *call.Call) error
	// PortsSet применяет набор портов; итог придет позже через
	// PortCompletionReport менеджера
	PortsSet(p Ports) error
	// Reregister просит слой регистрации перерегистрироваться
	Reregister()
}
