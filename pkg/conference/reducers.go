package conference

// portsBatch — счетчики одной партии смены портов. Партия завершается,
// когда сумма успешных и неуспешных подтверждений достигает ожидаемого
// числа; итог успешен только при нуле неудач. После завершения все
// счетчики обнуляются для следующей партии.
type portsBatch struct {
	expected  int
	succeeded int
	failed    int
}

// expect увеличивает число ожидаемых подтверждений
func (b *portsBatch) expect(n int) {
	b.expected += n
}

// report учитывает одно подтверждение. done сообщает, что партия
// завершена, ok — что все подтверждения были успешными.
func (b *portsBatch) report(success bool) (done, ok bool) {
	if b.expected == 0 {
		// подтверждение без запроса: поздний отклик уже завершенной
		// партии, игнорируется
		return false, false
	}
	if success {
		b.succeeded++
	} else {
		b.failed++
	}
	if b.succeeded+b.failed < b.expected {
		return false, false
	}
	ok = b.failed == 0
	*b = portsBatch{}
	return true, ok
}

// statsCounter считает вызовы, о которых приложение уведомлено как об
// установленных. Общий таймер статистики работает, пока счетчик
// ненулевой.
type statsCounter struct {
	count int
}

// increment возвращает true на переходе 0→1: таймер надо запустить
func (c *statsCounter) increment() bool {
	c.count++
	return c.count == 1
}

// decrement возвращает true на переходе 1→0: таймер надо остановить
func (c *statsCounter) decrement() bool {
	if c.count == 0 {
		return false
	}
	c.count--
	return c.count == 0
}

// ringCounter — счетчик гудков одного направления
type ringCounter struct {
	count int
}

// next увеличивает счетчик и возвращает новое значение
func (c *ringCounter) next() int {
	c.count++
	return c.count
}

// reset начинает новый отсчет с единицы
func (c *ringCounter) reset() int {
	c.count = 1
	return c.count
}

// clear обнуляет счетчик
func (c *ringCounter) clear() {
	c.count = 0
}
