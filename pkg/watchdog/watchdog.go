// Package watchdog реализует сервис таймеров с одним выделенным потоком.
//
// Все активные таймеры процесса хранятся в одном упорядоченном по дедлайну
// списке. Выделенная горутина спит до ближайшего дедлайна и на пробуждении
// выполняет callback каждого просроченного таймера. Callback всегда
// вызывается вне внутренней блокировки, поэтому из него можно безопасно
// запускать и останавливать другие таймеры.
package watchdog

import (
	"container/heap"
	"sync"
	"time"
)

// Watchdog управляет множеством таймеров из одной горутины
type Watchdog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	timers  timerHeap
	running bool
	done    chan struct{}
}

// New создает новый сервис таймеров (не запущенный)
func New() *Watchdog {
	w := &Watchdog{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

var (
	defaultOnce sync.Once
	defaultWd   *Watchdog
)

// Default возвращает общий для процесса запущенный Watchdog
func Default() *Watchdog {
	defaultOnce.Do(func() {
		defaultWd = New()
		defaultWd.Start()
	})
	return defaultWd
}

// Start запускает горутину обслуживания таймеров.
// Повторный вызов на запущенном сервисе ничего не делает.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.done = make(chan struct{})
	go w.loop()
}

// Shutdown останавливает горутину и деактивирует все таймеры.
// Уже начавшийся callback доработает до конца.
func (w *Watchdog) Shutdown() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for _, t := range w.timers {
		t.active = false
		t.index = -1
	}
	w.timers = w.timers[:0]
	metricActiveTimers.Set(0)
	done := w.done
	w.cond.Broadcast()
	w.mu.Unlock()

	<-done
}

// loop — основной цикл: спим до ближайшего дедлайна, снимаем и
// выполняем все просроченные таймеры
func (w *Watchdog) loop() {
	w.mu.Lock()
	for w.running {
		if len(w.timers) == 0 {
			w.cond.Wait()
			continue
		}

		next := w.timers[0].deadline
		now := time.Now()
		if now.Before(next) {
			w.sleepUntil(next)
			continue
		}

		fired := w.popExpired(now)
		w.mu.Unlock()
		for _, t := range fired {
			metricFires.Inc()
			t.callback()
		}
		w.mu.Lock()
	}
	close(w.done)
	w.mu.Unlock()
}

// sleepUntil ждет дедлайна или сигнала об изменении списка.
// Ожидание реализовано вспомогательной горутиной, т.к. sync.Cond
// не умеет ждать с таймаутом.
func (w *Watchdog) sleepUntil(deadline time.Time) {
	tm := time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	w.cond.Wait()
	tm.Stop()
}

// popExpired снимает с кучи все просроченные таймеры и перевзводит
// повторяющиеся. Вызывается под блокировкой.
func (w *Watchdog) popExpired(now time.Time) []*Timer {
	var fired []*Timer
	for len(w.timers) > 0 && !w.timers[0].deadline.After(now) {
		t := heap.Pop(&w.timers).(*Timer)
		t.fireCount++
		fired = append(fired, t)

		if t.mode == Repeat && (t.repeatLimit == 0 || t.fireCount < t.repeatLimit) {
			t.deadline = now.Add(t.delay)
			heap.Push(&w.timers, t)
		} else {
			t.active = false
			metricActiveTimers.Dec()
		}
	}
	return fired
}

// add взводит таймер. Возвращает false, если таймер уже активен.
func (w *Watchdog) add(t *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.active {
		return false
	}
	t.active = true
	t.fireCount = 0
	t.deadline = time.Now().Add(t.delay)
	heap.Push(&w.timers, t)
	metricActiveTimers.Inc()
	w.cond.Broadcast()
	return true
}

// remove снимает таймер со взвода. Возвращает false, если таймер
// не был активен.
func (w *Watchdog) remove(t *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !t.active {
		return false
	}
	heap.Remove(&w.timers, t.index)
	t.active = false
	metricActiveTimers.Dec()
	w.cond.Broadcast()
	return true
}

// timerHeap — min-куча таймеров по дедлайну
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
