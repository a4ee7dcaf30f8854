package eventqueue

import (
	"time"

	"github.com/arzzra/video_phone/pkg/watchdog"
)

// EventTimer — таймер, срабатывание которого доставляется как событие
// в очередь владельца. Обработчики сигнала Timeout выполняются на
// горутине очереди, поэтому им не нужна собственная синхронизация.
type EventTimer struct {
	timer   *watchdog.Timer
	queue   *Queue
	timeout *Signal[struct{}]
}

// NewEventTimer создает одноразовый таймер, публикующий срабатывание
// в очередь q
func NewEventTimer(wd *watchdog.Watchdog, q *Queue, delay time.Duration) *EventTimer {
	t := &EventTimer{queue: q, timeout: NewSignal[struct{}]()}
	t.timer = watchdog.NewTimer(wd, delay, t.fire)
	return t
}

// NewRepeatEventTimer создает повторяющийся таймер.
// repeatLimit ограничивает число срабатываний; 0 — без ограничения.
func NewRepeatEventTimer(wd *watchdog.Watchdog, q *Queue, delay time.Duration, repeatLimit int) *EventTimer {
	t := &EventTimer{queue: q, timeout: NewSignal[struct{}]()}
	t.timer = watchdog.NewRepeatTimer(wd, delay, repeatLimit, t.fire)
	return t
}

func (t *EventTimer) fire() {
	t.queue.PostEvent(func() {
		t.timeout.Emit(struct{}{})
	})
}

// Timeout — сигнал срабатывания, испускается с горутины очереди
func (t *EventTimer) Timeout() *Signal[struct{}] { return t.timeout }

// Start взводит таймер; false, если он уже взведен
func (t *EventTimer) Start() bool { return t.timer.Start() }

// Stop снимает таймер со взвода. Событие, уже опубликованное в
// очередь, все равно будет доставлено.
func (t *EventTimer) Stop() bool { return t.timer.Stop() }

// Restart перевзводит таймер с текущей задержкой
func (t *EventTimer) Restart() { t.timer.Restart() }

// Active сообщает, взведен ли таймер
func (t *EventTimer) Active() bool { return t.timer.Active() }

// Delay возвращает настроенную задержку
func (t *EventTimer) Delay() time.Duration { return t.timer.Delay() }

// DelaySet меняет задержку; применится при следующем Start/Restart
func (t *EventTimer) DelaySet(delay time.Duration) { t.timer.DelaySet(delay) }
