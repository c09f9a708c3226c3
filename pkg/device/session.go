// Package device описывает сессию общего аудио устройства (захват и
// воспроизведение) и содержит реализации на malgo и fake для тестов.
package device

import (
	"errors"
	"time"

	"github.com/arzzra/voip_engine/pkg/media"
)

// Ошибки сессии
var (
	ErrNotInitialized = errors.New("аудио устройство не инициализировано")
	ErrNoCallback     = errors.New("аудио callback не зарегистрирован")
	ErrNoDevice       = errors.New("аудио устройство не найдено")
)

// AudioCallback получатель захваченного звука и источник звука для воспроизведения.
// Методы вызываются из потока устройства и не должны блокироваться.
type AudioCallback interface {
	// RecordedDataIsAvailable получает захваченный кадр. Кадр принадлежит
	// вызывающему только до возврата.
	RecordedDataIsAvailable(frame media.Frame)

	// NeedMorePlayData возвращает моно кадр samples отсчетов частоты sampleRate
	NeedMorePlayData(sampleRate, samples int) media.Frame
}

// Session сессия аудио устройства
type Session interface {
	Init() error
	Initialized() bool
	SelectDefaultDevices() error
	RegisterAudioCallback(cb AudioCallback) error

	StartRecording() error
	StopRecording() error
	Recording() bool

	StartPlayout() error
	StopPlayout() error
	Playing() bool

	// Terminate останавливает устройство и освобождает ресурсы.
	// После Terminate сессию можно инициализировать снова.
	Terminate() error
}

// Config параметры устройства
type Config struct {
	SampleRate    int           // Частота захвата и воспроизведения
	Channels      int           // Количество каналов устройства
	FrameDuration time.Duration // Длительность периода устройства
}

// DefaultConfig возвращает 48 kHz моно с периодом 10ms
func DefaultConfig() Config {
	return Config{
		SampleRate:    48000,
		Channels:      1,
		FrameDuration: 10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = def.FrameDuration
	}
	return c
}

// FrameSamples количество отсчетов на канал в одном периоде
func (c Config) FrameSamples() int {
	c = c.withDefaults()
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}
