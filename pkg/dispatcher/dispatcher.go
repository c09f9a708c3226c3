// Package dispatcher вызывает периодическую обработку каналов (RTCP отчеты)
// из отдельной горутины.
package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval период вызова обработки
const DefaultInterval = 10 * time.Millisecond

// Ошибки диспетчера
var (
	ErrAlreadyStarted = errors.New("диспетчер уже запущен")
	ErrStopped        = errors.New("диспетчер остановлен")
)

// TickFunc обработка одного такта
type TickFunc func(now time.Time)

// Dispatcher источник тактов обработки
type Dispatcher interface {
	// Start запускает такты. Повторный запуск возвращает ошибку.
	Start(tick TickFunc) error
	// Stop останавливает такты и дожидается завершения текущего
	Stop()
}

// Ticker диспетчер на time.Ticker
type Ticker struct {
	interval time.Duration
	logger   *slog.Logger

	mutex   sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

var _ Dispatcher = (*Ticker)(nil)

// NewTicker создает диспетчер с периодом interval
func NewTicker(interval time.Duration, logger *slog.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		interval: interval,
		logger:   logger.With(slog.String("component", "dispatcher")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval возвращает период тактов
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// Start запускает горутину тактов
func (t *Ticker) Start(tick TickFunc) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	go t.run(tick)
	return nil
}

func (t *Ticker) run(tick TickFunc) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.safeTick(tick, now)
		}
	}
}

func (t *Ticker) safeTick(tick TickFunc, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("паника в обработке такта", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	tick(now)
}

// Stop останавливает такты. Безопасен для повторного вызова и до Start.
func (t *Ticker) Stop() {
	t.mutex.Lock()
	if t.stopped {
		t.mutex.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.stop)
	t.mutex.Unlock()

	if started {
		<-t.done
	}
}

// Manual диспетчер для тестов: такты вызываются явно через Tick
type Manual struct {
	mutex   sync.Mutex
	tick    TickFunc
	started bool
	stopped bool
	stops   int
	onStop  func()
}

var _ Dispatcher = (*Manual)(nil)

// NewManual создает ручной диспетчер
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Start(tick TickFunc) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.tick = tick
	return nil
}

// OnStop вызывается при каждом Stop
func (m *Manual) OnStop(fn func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onStop = fn
}

func (m *Manual) Stop() {
	m.mutex.Lock()
	m.stops++
	first := !m.stopped
	m.stopped = true
	m.tick = nil
	fn := m.onStop
	m.mutex.Unlock()

	if first && fn != nil {
		fn()
	}
}

// Tick выполняет один такт. false если диспетчер не запущен или остановлен.
func (m *Manual) Tick(now time.Time) bool {
	m.mutex.Lock()
	tick := m.tick
	m.mutex.Unlock()
	if tick == nil {
		return false
	}
	tick(now)
	return true
}

// Stopped проверяет, был ли вызван Stop
func (m *Manual) Stopped() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopped
}
