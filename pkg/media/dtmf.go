package media

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Параметры генерации telephone-event согласно RFC 4733
const (
	DTMFPayloadSize      = 4                     // Размер payload события
	DTMFEndPacketRepeats = 3                     // Количество повторов конечного пакета
	DTMFDefaultVolume    = 10                    // Уровень -10 dBm0
	DTMFMinDuration      = 40 * time.Millisecond // Минимальная длительность события
	DTMFMaxDuration      = 8 * time.Second       // Ограничение длительности события
	DTMFDefaultQueueSize = 20                    // Емкость очереди событий по умолчанию
	DTMFMaxEvent         = 16                    // Flash - последнее поддерживаемое событие
)

// ErrDTMFQueueFull очередь исходящих событий заполнена
var ErrDTMFQueueFull = errors.New("очередь DTMF событий заполнена")

// DTMFPayload payload telephone-event согласно RFC 4733 Section 2.3
type DTMFPayload struct {
	Event    uint8  // Код события (0-16)
	EndFlag  bool   // Бит E: конец события
	Volume   uint8  // Уровень (0-63, в -dBm0)
	Duration uint16 // Длительность в единицах RTP timestamp
}

// Marshal сериализует payload в 4 байта
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, DTMFPayloadSize)
	data[0] = p.Event
	if p.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration & 0xFF)
	return data
}

// UnmarshalDTMFPayload разбирает payload telephone-event
func UnmarshalDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < DTMFPayloadSize {
		return DTMFPayload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	return DTMFPayload{
		Event:    data[0],
		EndFlag:  data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// DTMFEvent исходящее событие в очереди генератора
type DTMFEvent struct {
	Event    uint8
	Duration time.Duration
	Volume   uint8
}

// DTMFStep результат одного шага генератора для одного аудио кадра
type DTMFStep struct {
	Payloads [][]byte // Payload пакетов, которые нужно отправить на этом шаге
	Marker   bool     // Первый пакет нового события
	Started  bool     // Событие началось на этом шаге (фиксируется timestamp)
	Finished bool     // Событие завершено, кадр снова принадлежит аудио
}

// DTMFGenerator формирует последовательность RFC 4733 пакетов из очереди событий.
// Событие занимает аудио кадры целиком: пока оно активно, аудио не отправляется.
type DTMFGenerator struct {
	mutex     sync.Mutex
	queue     []DTMFEvent
	maxQueue  int
	clockRate int

	active  bool
	current DTMFEvent
	elapsed time.Duration
}

// NewDTMFGenerator создает генератор с ограниченной очередью
func NewDTMFGenerator(maxQueue int) *DTMFGenerator {
	if maxQueue <= 0 {
		maxQueue = DTMFDefaultQueueSize
	}
	return &DTMFGenerator{
		maxQueue:  maxQueue,
		clockRate: 8000,
		queue:     make([]DTMFEvent, 0, maxQueue),
	}
}

// SetClockRate устанавливает частоту, в единицах которой считается Duration
func (g *DTMFGenerator) SetClockRate(rate int) {
	if rate <= 0 {
		return
	}
	g.mutex.Lock()
	g.clockRate = rate
	g.mutex.Unlock()
}

// Enqueue добавляет событие в очередь
func (g *DTMFGenerator) Enqueue(event DTMFEvent) error {
	if event.Event > DTMFMaxEvent {
		return fmt.Errorf("недопустимое DTMF событие: %d", event.Event)
	}
	if event.Duration <= 0 {
		return fmt.Errorf("длительность DTMF должна быть положительной")
	}
	if event.Duration < DTMFMinDuration {
		event.Duration = DTMFMinDuration
	}
	if event.Duration > DTMFMaxDuration {
		event.Duration = DTMFMaxDuration
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if len(g.queue) >= g.maxQueue {
		return ErrDTMFQueueFull
	}
	g.queue = append(g.queue, event)
	return nil
}

// Pending проверяет, есть ли активное или ожидающее событие
func (g *DTMFGenerator) Pending() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.active || len(g.queue) > 0
}

// QueueLen возвращает количество ожидающих событий
func (g *DTMFGenerator) QueueLen() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.queue)
}

// Reset сбрасывает активное событие и очередь
func (g *DTMFGenerator) Reset() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.queue = g.queue[:0]
	g.active = false
	g.elapsed = 0
}

// Step продвигает активное событие на длительность одного кадра.
// Возвращает false если событий нет.
func (g *DTMFGenerator) Step(frame time.Duration) (DTMFStep, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var step DTMFStep

	if !g.active {
		if len(g.queue) == 0 {
			return step, false
		}
		g.current = g.queue[0]
		copy(g.queue, g.queue[1:])
		g.queue = g.queue[:len(g.queue)-1]
		g.active = true
		g.elapsed = 0
		step.Started = true
		step.Marker = true
	}

	g.elapsed += frame
	volume := g.current.Volume
	if volume == 0 {
		volume = DTMFDefaultVolume
	}

	payload := DTMFPayload{
		Event:    g.current.Event,
		Volume:   volume,
		Duration: g.durationUnits(g.elapsed),
	}

	if g.elapsed < g.current.Duration {
		step.Payloads = [][]byte{payload.Marshal()}
		return step, true
	}

	// Конечный пакет повторяется для надежности, timestamp и duration не меняются
	payload.EndFlag = true
	end := payload.Marshal()
	for i := 0; i < DTMFEndPacketRepeats; i++ {
		step.Payloads = append(step.Payloads, end)
	}
	step.Finished = true
	g.active = false
	g.elapsed = 0

	return step, true
}

func (g *DTMFGenerator) durationUnits(d time.Duration) uint16 {
	units := int64(d) * int64(g.clockRate) / int64(time.Second)
	if units > 0xFFFF {
		return 0xFFFF
	}
	return uint16(units)
}

// DTMFDetector распознает начало входящих событий.
// Повторные и конечные пакеты одного события не порождают нового события:
// событие идентифицируется парой (timestamp, код).
type DTMFDetector struct {
	seen          bool
	lastEvent     uint8
	lastTimestamp uint32
}

// Process обрабатывает payload telephone-event. Возвращает true, если
// пакет начинает новое событие.
func (d *DTMFDetector) Process(payload []byte, timestamp uint32) (DTMFPayload, bool, error) {
	p, err := UnmarshalDTMFPayload(payload)
	if err != nil {
		return p, false, err
	}

	isNew := !d.seen || d.lastTimestamp != timestamp || d.lastEvent != p.Event

	d.seen = true
	d.lastEvent = p.Event
	d.lastTimestamp = timestamp

	return p, isNew, nil
}
