package media

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/pion/rtp"
)

// Ограничения jitter buffer
const (
	DefaultJitterBufferSize    = 10  // Пакетов (200ms при ptime 20ms)
	DefaultJitterBufferPrefill = 2   // Пакетов до начала выдачи
	MaxJitterBufferSize        = 500 // Жесткий предел для защиты от DoS
)

// ErrLatePacket пакет пришел после того, как его место уже воспроизведено
var ErrLatePacket = errors.New("пакет опоздал")

// JitterBufferConfig содержит параметры конфигурации для создания JitterBuffer.
type JitterBufferConfig struct {
	BufferSize int // Максимальный размер буфера в пакетах
	Prefill    int // Сколько пакетов накопить перед началом выдачи
}

// JitterBufferStatistics статистика jitter buffer
type JitterBufferStatistics struct {
	BufferSize      int
	MaxBufferSize   int
	PacketsReceived uint64
	PacketsDropped  uint64 // Вытеснены при переполнении
	PacketsLate     uint64 // Отброшены как опоздавшие
	Duplicates      uint64
}

// JitterBuffer упорядочивает входящие RTP пакеты по расширенному sequence number.
// Работает в pull-режиме: потребитель (микшер) сам забирает пакеты в темпе
// воспроизведения, поэтому своей горутины у буфера нет.
type JitterBuffer struct {
	mutex   sync.Mutex
	config  JitterBufferConfig
	packets packetHeap

	primed      bool
	initialized bool
	highest     int64 // Наибольший расширенный номер на входе
	played      int64 // Последний выданный расширенный номер
	hasPlayed   bool

	stats JitterBufferStatistics
}

type jitterPacket struct {
	packet *rtp.Packet
	seq    int64
	index  int
}

// packetHeap реализует heap.Interface для сортировки по расширенному sequence number
type packetHeap []*jitterPacket

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *packetHeap) Push(x interface{}) {
	item := x.(*jitterPacket)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// NewJitterBuffer создает новый jitter buffer с указанной конфигурацией.
func NewJitterBuffer(config JitterBufferConfig) *JitterBuffer {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultJitterBufferSize
	}
	if config.BufferSize > MaxJitterBufferSize {
		config.BufferSize = MaxJitterBufferSize
	}
	if config.Prefill <= 0 {
		config.Prefill = DefaultJitterBufferPrefill
	}
	if config.Prefill > config.BufferSize {
		config.Prefill = config.BufferSize
	}

	jb := &JitterBuffer{config: config}
	jb.stats.MaxBufferSize = config.BufferSize
	heap.Init(&jb.packets)
	return jb
}

// Put добавляет пакет в буфер. При переполнении вытесняется самый старый пакет.
func (jb *JitterBuffer) Put(packet *rtp.Packet) error {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	jb.stats.PacketsReceived++
	seq := jb.unwrap(packet.SequenceNumber)

	if jb.hasPlayed && seq <= jb.played {
		jb.stats.PacketsLate++
		return ErrLatePacket
	}
	for _, p := range jb.packets {
		if p.seq == seq {
			jb.stats.Duplicates++
			return nil
		}
	}

	if len(jb.packets) >= jb.config.BufferSize {
		heap.Pop(&jb.packets)
		jb.stats.PacketsDropped++
	}

	heap.Push(&jb.packets, &jitterPacket{packet: packet, seq: seq})
	if len(jb.packets) >= jb.config.Prefill {
		jb.primed = true
	}
	return nil
}

// Pop возвращает следующий по порядку пакет, если буфер накопил prefill
func (jb *JitterBuffer) Pop() (*rtp.Packet, bool) {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if !jb.primed || len(jb.packets) == 0 {
		return nil, false
	}

	item := heap.Pop(&jb.packets).(*jitterPacket)
	jb.played = item.seq
	jb.hasPlayed = true
	if len(jb.packets) == 0 {
		// Буфер опустел: снова накапливаем prefill
		jb.primed = false
	}
	return item.packet, true
}

// Len возвращает количество пакетов в буфере
func (jb *JitterBuffer) Len() int {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()
	return len(jb.packets)
}

// Reset очищает буфер и забывает историю номеров
func (jb *JitterBuffer) Reset() {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	jb.packets = jb.packets[:0]
	jb.primed = false
	jb.initialized = false
	jb.hasPlayed = false
}

// GetStatistics возвращает статистику jitter buffer
func (jb *JitterBuffer) GetStatistics() JitterBufferStatistics {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	stats := jb.stats
	stats.BufferSize = len(jb.packets)
	return stats
}

// unwrap переводит 16-битный номер в расширенный, выбирая ближайший к highest.
func (jb *JitterBuffer) unwrap(seq uint16) int64 {
	if !jb.initialized {
		jb.initialized = true
		jb.highest = int64(seq)
		return jb.highest
	}

	delta := int64(int16(seq - uint16(jb.highest)))
	ext := jb.highest + delta
	if ext > jb.highest {
		jb.highest = ext
	}
	return ext
}
