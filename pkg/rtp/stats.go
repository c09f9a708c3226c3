package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// Параметры валидации последовательности согласно RFC 3550 Appendix A.1
const (
	maxDropout  = 3000
	maxMisorder = 100
	seqModulo   = 1 << 16
)

// ReceiveSnapshot снимок статистики приема одного удаленного источника
type ReceiveSnapshot struct {
	SSRC            uint32
	PacketsReceived uint64
	BytesReceived   uint64
	ExtendedHighest uint32
	PacketsLost     int64
	FractionLost    float64 // С момента предыдущего отчета
	Jitter          uint32  // В единицах RTP timestamp
	JitterDuration  time.Duration
	LastPacket      time.Time
}

// ReceiveStatistics ведет статистику приема RTP одного удаленного источника:
// расширенный номер, кумулятивные потери, jitter и данные для RR блока
type ReceiveStatistics struct {
	mutex     sync.Mutex
	clockRate int

	initialized bool
	ssrc        uint32
	maxSeq      uint16
	cycles      uint32
	baseSeq     uint32
	badSeq      uint32
	received    uint64
	bytes       uint64

	expectedPrior uint32
	receivedPrior uint64
	fractionLost  uint8

	transit     int64
	jitter      float64
	lastArrival time.Time

	lastSR         uint32
	lastSRReceived time.Time
}

// NewReceiveStatistics создает статистику приема для частоты clockRate
func NewReceiveStatistics(clockRate int) *ReceiveStatistics {
	if clockRate <= 0 {
		clockRate = 8000
	}
	return &ReceiveStatistics{clockRate: clockRate}
}

// SetClockRate меняет частоту, в которой считается jitter
func (s *ReceiveStatistics) SetClockRate(rate int) {
	if rate <= 0 {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if rate != s.clockRate {
		s.clockRate = rate
		s.transit = 0
	}
}

// Update учитывает принятый пакет. Возвращает false, если пакет отброшен
// валидатором последовательности (большой скачок номера без подтверждения).
func (s *ReceiveStatistics) Update(ssrc uint32, seq uint16, timestamp uint32, payloadSize int, arrival time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized || ssrc != s.ssrc {
		s.initSource(ssrc, seq)
	} else if !s.updateSeq(seq) {
		return false
	}

	s.received++
	s.bytes += uint64(payloadSize)
	s.updateJitter(timestamp, arrival)
	s.lastArrival = arrival
	return true
}

func (s *ReceiveStatistics) initSource(ssrc uint32, seq uint16) {
	s.initialized = true
	s.ssrc = ssrc
	s.maxSeq = seq
	s.cycles = 0
	s.baseSeq = uint32(seq)
	s.badSeq = seqModulo + 1
	s.received = 0
	s.bytes = 0
	s.expectedPrior = 0
	s.receivedPrior = 0
	s.fractionLost = 0
	s.transit = 0
	s.jitter = 0
}

// updateSeq реализует update_seq из RFC 3550 Appendix A.1
func (s *ReceiveStatistics) updateSeq(seq uint16) bool {
	delta := seq - s.maxSeq

	switch {
	case delta < maxDropout:
		if seq < s.maxSeq {
			s.cycles += seqModulo
		}
		s.maxSeq = seq
	case delta <= seqModulo-maxMisorder:
		// Большой скачок: принимаем только если следующий пакет его подтвердит
		if uint32(seq) == s.badSeq {
			s.initSource(s.ssrc, seq)
			return true
		}
		s.badSeq = (uint32(seq) + 1) & (seqModulo - 1)
		return false
	default:
		// Дубликат или переупорядоченный пакет
	}
	return true
}

// updateJitter реализует оценку interarrival jitter из RFC 3550 Appendix A.8
func (s *ReceiveStatistics) updateJitter(timestamp uint32, arrival time.Time) {
	rate := int64(s.clockRate)
	arrivalUnits := arrival.Unix()*rate + int64(arrival.Nanosecond())*rate/int64(time.Second)
	transit := arrivalUnits - int64(timestamp)

	if s.transit != 0 {
		d := transit - s.transit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.transit = transit
}

func (s *ReceiveStatistics) extendedMax() uint32 {
	return s.cycles + uint32(s.maxSeq)
}

func (s *ReceiveStatistics) lost() int64 {
	if s.received == 0 {
		return 0
	}
	expected := int64(s.extendedMax()) - int64(s.baseSeq) + 1
	return expected - int64(s.received)
}

// OnSenderReport запоминает время последнего SR удаленной стороны (для LSR/DLSR)
func (s *ReceiveStatistics) OnSenderReport(ntp uint64, arrival time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastSR = MiddleNTP(ntp)
	s.lastSRReceived = arrival
}

// HasData проверяет, был ли принят хотя бы один пакет
func (s *ReceiveStatistics) HasData() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.received > 0
}

// Snapshot возвращает текущую статистику без сброса интервала отчета
func (s *ReceiveStatistics) Snapshot() ReceiveSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snap := ReceiveSnapshot{
		SSRC:            s.ssrc,
		PacketsReceived: s.received,
		BytesReceived:   s.bytes,
		PacketsLost:     s.lost(),
		FractionLost:    float64(s.fractionLost) / 256,
		Jitter:          uint32(s.jitter),
		LastPacket:      s.lastArrival,
	}
	if s.received > 0 {
		snap.ExtendedHighest = s.extendedMax()
		snap.JitterDuration = time.Duration(s.jitter * float64(time.Second) / float64(s.clockRate))
	}
	return snap
}

// ReportBlock формирует RR блок и начинает новый интервал отчета (RFC 3550 Appendix A.3)
func (s *ReceiveStatistics) ReportBlock(now time.Time) (rtcp.ReceptionReport, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.received == 0 {
		return rtcp.ReceptionReport{}, false
	}

	extMax := s.extendedMax()
	expected := extMax - s.baseSeq + 1
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval == 0 || lostInterval <= 0 {
		s.fractionLost = 0
	} else {
		s.fractionLost = uint8((lostInterval << 8) / int64(expectedInterval))
	}

	var lastSR, delay uint32
	if !s.lastSRReceived.IsZero() {
		lastSR = s.lastSR
		delay = DurationToNTPShort(now.Sub(s.lastSRReceived))
	}
	return NewReceptionReport(s.ssrc, s.fractionLost, s.lost(), extMax, uint32(s.jitter), lastSR, delay), true
}
