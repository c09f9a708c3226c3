package channel

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/voip_engine/pkg/codec"
	"github.com/arzzra/voip_engine/pkg/media"
	"github.com/arzzra/voip_engine/pkg/rtp"
	"github.com/arzzra/voip_engine/pkg/voip"
)

// egress исходящий поток: пакетизация захваченного звука и DTMF.
// Работает в потоке устройства под собственной блокировкой.
type egress struct {
	mutex sync.Mutex

	ssrc        uint32
	encoder     codec.Encoder
	payloadType uint8
	pending     []int16 // Отсчеты частоты энкодера, не вошедшие в пакет

	sequence     uint16
	timestamp    uint32
	marker       bool // Первый пакет после старта
	packetsSent  uint32
	octetsSent   uint32
	lastSendTime time.Time

	dtmf          *media.DTMFGenerator
	telEventPT    uint8
	hasTelEvent   bool
	dtmfTimestamp uint32
	dtmfSent      uint64
}

func (e *egress) init(ssrc uint32, dtmfQueue int) {
	e.ssrc = ssrc
	e.dtmf = media.NewDTMFGenerator(dtmfQueue)
	// Случайные начальные значения согласно RFC 3550 Section 5.1
	var seed [6]byte
	if _, err := rand.Read(seed[:]); err == nil {
		e.sequence = uint16(seed[0])<<8 | uint16(seed[1])
		e.timestamp = uint32(seed[2])<<24 | uint32(seed[3])<<16 | uint32(seed[4])<<8 | uint32(seed[5])
	}
}

func (e *egress) start() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.marker = true
	e.pending = e.pending[:0]
}

func (e *egress) stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.pending = e.pending[:0]
	e.dtmf.Reset()
}

func (e *egress) setEncoder(pt uint8, enc codec.Encoder) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.encoder = enc
	e.payloadType = pt
	e.pending = e.pending[:0]
}

func (e *egress) setTelephoneEvent(pt uint8, rate int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.telEventPT = pt
	e.hasTelEvent = true
	e.dtmf.SetClockRate(rate)
}

func (e *egress) queueEvent(id voip.ChannelID, event voip.DtmfEvent, duration time.Duration) error {
	e.mutex.Lock()
	registered := e.hasTelEvent
	e.mutex.Unlock()

	if !registered {
		return voip.NewError(voip.ErrorCodeInvalidState, id, "telephone-event не зарегистрирован")
	}
	err := e.dtmf.Enqueue(media.DTMFEvent{Event: uint8(event), Duration: duration})
	if errors.Is(err, media.ErrDTMFQueueFull) {
		return voip.NewError(voip.ErrorCodeQueueFull, id, "очередь DTMF заполнена")
	}
	if err != nil {
		return voip.NewError(voip.ErrorCodeInvalidArgument, id, err.Error())
	}
	return nil
}

func (e *egress) statistics() EgressStatistics {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return EgressStatistics{PacketsSent: e.packetsSent, OctetsSent: e.octetsSent, DTMFSent: e.dtmfSent}
}

// senderInfo данные для RTCP SR
type senderInfo struct {
	active       bool
	rtpTimestamp uint32
	packets      uint32
	octets       uint32
	clockRate    int
	lastSend     time.Time
}

func (e *egress) senderInfo() senderInfo {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	info := senderInfo{
		active:       e.packetsSent > 0,
		rtpTimestamp: e.timestamp,
		packets:      e.packetsSent,
		octets:       e.octetsSent,
		lastSend:     e.lastSendTime,
	}
	if e.encoder != nil {
		info.clockRate = e.encoder.SampleRate()
	}
	return info
}

// SendAudioData принимает захваченный кадр и отправляет готовые пакеты.
// Вызывается из потока устройства; кадр принадлежит каналу.
func (c *AudioChannel) SendAudioData(frame media.Frame) {
	if !c.sending.Load() || c.closed.Load() {
		return
	}
	c.egress.process(c, frame)
}

func (e *egress) process(c *AudioChannel, frame media.Frame) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.encoder == nil {
		return
	}
	rate := e.encoder.SampleRate()
	mono := frame.Mono()
	e.pending = append(e.pending, media.Resample(mono.Samples, mono.SampleRate, rate)...)

	n := rtp.SamplesPerFrame(rate, rtp.DefaultPtime)
	if n == 0 {
		return
	}
	sent := 0
	for len(e.pending)-sent >= n {
		e.sendFrameLocked(c, e.pending[sent:sent+n], n)
		sent += n
	}
	if sent > 0 {
		rest := copy(e.pending, e.pending[sent:])
		e.pending = e.pending[:rest]
	}
}

// sendFrameLocked отправляет один кадр ptime: DTMF событие имеет приоритет
// над звуком и занимает кадр целиком.
func (e *egress) sendFrameLocked(c *AudioChannel, pcm []int16, samples int) {
	defer func() { e.timestamp += uint32(samples) }()

	if e.hasTelEvent {
		if step, ok := e.dtmf.Step(rtp.DefaultPtime); ok {
			if step.Started {
				e.dtmfTimestamp = e.timestamp
			}
			for i, payload := range step.Payloads {
				e.sendLocked(c, e.telEventPT, e.dtmfTimestamp, step.Marker && i == 0, payload)
			}
			if step.Finished {
				e.dtmfSent++
			}
			return
		}
	}

	payload, err := e.encoder.Encode(pcm)
	if err != nil {
		c.logger.Debug("ошибка кодирования кадра", slog.String("error", err.Error()))
		return
	}
	marker := e.marker
	e.marker = false
	e.sendLocked(c, e.payloadType, e.timestamp, marker, payload)
}

func (e *egress) sendLocked(c *AudioChannel, pt uint8, ts uint32, marker bool, payload []byte) {
	packet := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: e.sequence,
			Timestamp:      ts,
			SSRC:           e.ssrc,
		},
		Payload: payload,
	}
	e.sequence++

	data, err := packet.Marshal()
	if err != nil {
		c.logger.Debug("ошибка сериализации RTP", slog.String("error", err.Error()))
		return
	}
	if err := c.transport.SendRTP(data); err != nil {
		c.logger.Debug("ошибка отправки RTP", slog.String("error", err.Error()))
		return
	}
	e.packetsSent++
	e.octetsSent += uint32(len(payload))
	e.lastSendTime = time.Now()
}
