package watchdog

import "time"

// Mode определяет поведение таймера после срабатывания
type Mode int

const (
	// Single — одноразовый таймер: после срабатывания деактивируется
	Single Mode = iota
	// Repeat — перевзводится после каждого срабатывания
	Repeat
)

// Timer — отложенный вызов callback, обслуживаемый Watchdog.
// Все поля защищены блокировкой владеющего Watchdog.
type Timer struct {
	wd          *Watchdog
	delay       time.Duration
	mode        Mode
	repeatLimit int
	callback    func()

	active    bool
	deadline  time.Time
	fireCount int
	index     int
}

// NewTimer создает одноразовый таймер. Callback выполняется
// на горутине Watchdog.
func NewTimer(wd *Watchdog, delay time.Duration, callback func()) *Timer {
	return &Timer{wd: wd, delay: delay, mode: Single, callback: callback, index: -1}
}

// NewRepeatTimer создает повторяющийся таймер.
// repeatLimit ограничивает общее число срабатываний; 0 — без ограничения.
func NewRepeatTimer(wd *Watchdog, delay time.Duration, repeatLimit int, callback func()) *Timer {
	return &Timer{wd: wd, delay: delay, mode: Repeat, repeatLimit: repeatLimit, callback: callback, index: -1}
}

// Start взводит таймер на срабатывание через заданную задержку.
// На уже активном таймере ничего не делает и возвращает false.
func (t *Timer) Start() bool {
	return t.wd.add(t)
}

// Stop снимает таймер со взвода. Возвращает, был ли он активен.
// Остановка не дожидается уже выполняющегося callback, но
// гарантирует отсутствие последующих срабатываний.
func (t *Timer) Stop() bool {
	return t.wd.remove(t)
}

// Restart перевзводит таймер: эквивалент Stop + Start
func (t *Timer) Restart() {
	t.wd.remove(t)
	t.wd.add(t)
}

// Active сообщает, взведен ли таймер
func (t *Timer) Active() bool {
	t.wd.mu.Lock()
	defer t.wd.mu.Unlock()
	return t.active
}

// Delay возвращает настроенную задержку
func (t *Timer) Delay() time.Duration {
	t.wd.mu.Lock()
	defer t.wd.mu.Unlock()
	return t.delay
}

// DelaySet меняет задержку. Не перевзводит активный таймер:
// новая задержка применится при следующем Start/Restart.
func (t *Timer) DelaySet(delay time.Duration) {
	t.wd.mu.Lock()
	defer t.wd.mu.Unlock()
	t.delay = delay
}
