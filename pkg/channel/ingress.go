package channel

import (
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

// ingress входящий поток: статистика, jitter buffer и декодирование
type ingress struct {
	mutex sync.Mutex

	decoders   map[uint8]codec.Decoder
	telEvents  map[uint8]int // payload type -> частота telephone-event
	stats      *rtp.ReceiveStatistics
	jitter     *media.JitterBuffer
	detector   media.DTMFDetector
	remoteGone bool

	telephoneEvents uint64
	discarded       uint64
	decoded         time.Duration

	// Декодированные отсчеты, не вошедшие в предыдущий кадр воспроизведения
	render     []int16
	renderRate int
}

func (in *ingress) init(config media.JitterBufferConfig) {
	in.decoders = make(map[uint8]codec.Decoder)
	in.telEvents = make(map[uint8]int)
	in.stats = rtp.NewReceiveStatistics(8000)
	in.jitter = media.NewJitterBuffer(config)
}

func (in *ingress) setDecoders(decoders map[uint8]codec.Decoder, events map[uint8]int) {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	in.decoders = decoders
	in.telEvents = events
}

func (in *ingress) resetPlayout() {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	in.jitter.Reset()
	in.render = in.render[:0]
}

func (in *ingress) statistics() voip.IngressStatistics {
	snap := in.stats.Snapshot()

	in.mutex.Lock()
	defer in.mutex.Unlock()
	if snap.PacketsReceived == 0 && in.discarded == 0 {
		return voip.IngressStatistics{}
	}
	return voip.IngressStatistics{
		PacketsReceived:    snap.PacketsReceived,
		BytesReceived:      snap.BytesReceived,
		PacketsLost:        snap.PacketsLost,
		FractionLost:       snap.FractionLost,
		Jitter:             snap.JitterDuration,
		PacketsDiscarded:   in.discarded + in.jitter.GetStatistics().PacketsDropped,
		TelephoneEvents:    in.telephoneEvents,
		DecodedDuration:    in.decoded,
		LastPacketReceived: snap.LastPacket,
	}
}

func (in *ingress) discard() {
	in.mutex.Lock()
	in.discarded++
	in.mutex.Unlock()
}

// ReceivedRTPPacket обрабатывает входящий RTP пакет. Пакеты с неизвестным
// payload type и некорректные пакеты отбрасываются без ошибки.
func (c *AudioChannel) ReceivedRTPPacket(data []byte) {
	if c.closed.Load() {
		return
	}
	packet, err := rtp.ParseRTPPacket(data)
	if err != nil {
		c.ingress.discard()
		c.logger.Debug("некорректный RTP пакет", slog.String("error", err.Error()))
		return
	}
	c.ingress.receive(c, packet, time.Now())
}

func (in *ingress) receive(c *AudioChannel, packet *pionrtp.Packet, arrival time.Time) {
	in.mutex.Lock()
	pt := packet.PayloadType
	dec, isAudio := in.decoders[pt]
	eventRate, isEvent := in.telEvents[pt]
	in.remoteGone = false
	in.mutex.Unlock()

	if !isAudio && !isEvent {
		in.discard()
		c.logger.Debug("неизвестный payload type", slog.Int("payload_type", int(pt)))
		return
	}

	if isAudio {
		in.stats.SetClockRate(dec.SampleRate())
	} else {
		in.stats.SetClockRate(eventRate)
	}
	if !in.stats.Update(packet.SSRC, packet.SequenceNumber, packet.Timestamp, len(packet.Payload), arrival) {
		in.discard()
		return
	}

	if isEvent {
		in.mutex.Lock()
		payload, isNew, err := in.detector.Process(packet.Payload, packet.Timestamp)
		if err == nil && isNew {
			in.telephoneEvents++
		}
		in.mutex.Unlock()
		if err != nil {
			in.discard()
			return
		}
		if isNew {
			c.logger.Info("принято DTMF событие",
				slog.String("event", voip.DtmfEvent(payload.Event).String()))
		}
		return
	}

	if !c.playing.Load() {
		return
	}
	if err := in.jitter.Put(packet); err != nil && !errors.Is(err, media.ErrLatePacket) {
		c.logger.Debug("ошибка jitter buffer", slog.String("error", err.Error()))
	}
}

// GetAudioFrame выдает микшеру кадр samples отсчетов частоты sampleRate.
// Недостающая часть кадра дополняется тишиной.
func (c *AudioChannel) GetAudioFrame(sampleRate, samples int) (media.Frame, bool) {
	if !c.playing.Load() || c.closed.Load() {
		return media.Frame{}, false
	}
	return c.ingress.pull(c, sampleRate, samples)
}

func (in *ingress) pull(c *AudioChannel, sampleRate, samples int) (media.Frame, bool) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.renderRate != sampleRate {
		in.render = in.render[:0]
		in.renderRate = sampleRate
	}

	for len(in.render) < samples {
		packet, ok := in.jitter.Pop()
		if !ok {
			break
		}
		dec, ok := in.decoders[packet.PayloadType]
		if !ok {
			in.discarded++
			continue
		}
		pcm, err := dec.Decode(packet.Payload)
		if err != nil {
			in.discarded++
			c.logger.Debug("ошибка декодирования", slog.String("error", err.Error()))
			continue
		}
		in.decoded += time.Duration(len(pcm)) * time.Second / time.Duration(dec.SampleRate())
		in.render = append(in.render, media.Resample(pcm, dec.SampleRate(), sampleRate)...)
	}

	if len(in.render) == 0 {
		return media.Frame{}, false
	}

	frame := media.NewSilentFrame(sampleRate, samples, 1)
	n := copy(frame.Samples, in.render)
	rest := copy(in.render, in.render[n:])
	in.render = in.render[:rest]
	return frame, true
}
