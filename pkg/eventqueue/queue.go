// Package eventqueue реализует модель акторов: каждый долгоживущий
// компонент владеет одной очередью событий и обрабатывает их строго
// последовательно на единственной горутине. Вся мутация состояния
// компонента происходит только из событий, которые он публикует себе
// сам или получает от других компонентов.
package eventqueue

import (
	"log/slog"
	"sync"
)

// DefaultDepthThreshold — глубина очереди, начиная с которой
// публикация события сопровождается предупреждением в логе.
const DefaultDepthThreshold = 32

// Event — единица работы очереди
type Event func()

// Queue — строго упорядоченная очередь событий с одной горутиной-обработчиком.
// Публиковать события можно с любой горутины; обработчики выполняются
// последовательно, в порядке публикации.
type Queue struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	running  bool
	stopping bool
	done     chan struct{}

	depthThreshold int
	depthWarned    bool

	started *Signal[struct{}]
	stopped *Signal[struct{}]
}

// New создает очередь событий с заданным именем компонента.
// Очередь не запущена; события, опубликованные до StartEventLoop,
// накапливаются и будут обработаны после запуска.
func New(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:           name,
		log:            logger.With(slog.String("component", name)),
		depthThreshold: DefaultDepthThreshold,
		started:        NewSignal[struct{}](),
		stopped:        NewSignal[struct{}](),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// StartEventLoop запускает горутину обработки. Повторный вызов на
// запущенной очереди ничего не делает.
func (q *Queue) StartEventLoop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopping = false
	q.done = make(chan struct{})
	go q.loop()
}

// StopEventLoop останавливает обработку и дожидается завершения
// горутины. Уже опубликованные события обрабатываются до конца:
// очередь останавливается только когда опустеет.
func (q *Queue) StopEventLoop() {
	q.mu.Lock()
	if !q.running || q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	done := q.done
	q.cond.Broadcast()
	q.mu.Unlock()

	<-done
}

// PostEvent публикует событие в хвост очереди. Никогда не блокируется.
func (q *Queue) PostEvent(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	depth := len(q.events)
	warn := false
	if depth >= q.depthThreshold && !q.depthWarned {
		q.depthWarned = true
		warn = true
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if warn {
		q.log.Warn("event queue depth exceeded threshold",
			slog.Int("depth", depth),
			slog.Int("threshold", q.depthThreshold))
	}
	metricPosted.WithLabelValues(q.name).Inc()
}

// DepthThresholdSet меняет порог предупреждения о глубине очереди
func (q *Queue) DepthThresholdSet(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depthThreshold = n
	q.depthWarned = false
}

// Depth возвращает текущее число необработанных событий
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Started — сигнал о запуске цикла, испускается с горутины обработчика
func (q *Queue) Started() *Signal[struct{}] { return q.started }

// Stopped — сигнал об остановке цикла, испускается с горутины
// обработчика последним, после обработки всех событий
func (q *Queue) Stopped() *Signal[struct{}] { return q.stopped }

// Execute публикует fn в очередь и возвращает канал с ее результатом.
// Канал буферизован: результат можно не читать.
func Execute[T any](q *Queue, fn func() T) <-chan T {
	res := make(chan T, 1)
	q.PostEvent(func() {
		res <- fn()
	})
	return res
}

func (q *Queue) loop() {
	q.started.Emit(struct{}{})

	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.events) == 0 && q.stopping {
			q.running = false
			q.stopping = false
			done := q.done
			q.mu.Unlock()

			q.stopped.Emit(struct{}{})
			close(done)
			return
		}
		ev := q.events[0]
		q.events[0] = nil
		q.events = q.events[1:]
		if len(q.events) == 0 {
			q.depthWarned = false
			q.events = nil
		}
		q.mu.Unlock()

		ev()
	}
}
