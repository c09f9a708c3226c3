// Package audiotransport связывает сессию устройства с каналами: раздает
// захваченный звук отправляющим каналам и забирает звук для воспроизведения
// из микшера.
package audiotransport

import (
	"log/slog"
	"sync/atomic"

	"github.com/arzzra/voip_engine/pkg/device"
	"github.com/arzzra/voip_engine/pkg/media"
	"github.com/arzzra/voip_engine/pkg/mixer"
	"github.com/arzzra/voip_engine/pkg/voip"
)

// Sender получатель захваченного звука. Вызывается из потока устройства.
type Sender interface {
	SendAudioData(frame media.Frame)
}

// senderSet неизменяемый снимок набора отправителей
type senderSet struct {
	senders map[voip.ChannelID]Sender
}

// Adapter реализует device.AudioCallback. Набор отправителей заменяется
// целиком одной атомарной записью, поток устройства читает его без блокировок.
type Adapter struct {
	senders atomic.Pointer[senderSet]
	mixer   mixer.Mixer
	logger  *slog.Logger
}

var _ device.AudioCallback = (*Adapter)(nil)

// New создает адаптер с пустым набором отправителей
func New(m mixer.Mixer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		mixer:  m,
		logger: logger.With(slog.String("component", "audio_transport")),
	}
	a.senders.Store(&senderSet{senders: map[voip.ChannelID]Sender{}})
	return a
}

// SetSenders устанавливает новый набор отправителей. Переданная карта
// копируется, вызывающий может ее переиспользовать.
func (a *Adapter) SetSenders(senders map[voip.ChannelID]Sender) {
	set := &senderSet{senders: make(map[voip.ChannelID]Sender, len(senders))}
	for id, s := range senders {
		set.senders[id] = s
	}
	a.senders.Store(set)
	a.logger.Debug("набор отправителей обновлен", slog.Int("senders", len(set.senders)))
}

// Senders возвращает копию текущего набора
func (a *Adapter) Senders() map[voip.ChannelID]Sender {
	set := a.senders.Load()
	out := make(map[voip.ChannelID]Sender, len(set.senders))
	for id, s := range set.senders {
		out[id] = s
	}
	return out
}

// SenderCount возвращает размер текущего набора
func (a *Adapter) SenderCount() int {
	return len(a.senders.Load().senders)
}

// RecordedDataIsAvailable раздает кадр всем отправителям. Каждый получает
// свою копию, так как каналы изменяют кадр при передискретизации.
func (a *Adapter) RecordedDataIsAvailable(frame media.Frame) {
	set := a.senders.Load()
	for _, s := range set.senders {
		s.SendAudioData(frame.Clone())
	}
}

// NeedMorePlayData сводит звук всех воспроизводящих каналов
func (a *Adapter) NeedMorePlayData(sampleRate, samples int) media.Frame {
	if a.mixer == nil {
		return media.NewSilentFrame(sampleRate, samples, 1)
	}
	return a.mixer.Mix(sampleRate, samples)
}
