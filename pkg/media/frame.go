// Package media содержит примитивы аудио тракта движка:
//   - Frame: кадр 16-битного PCM
//   - Resample: линейная передискретизация между частотами устройства и кодека
//   - DTMF payload и генератор пакетов согласно RFC 4733
//   - JitterBuffer: упорядочивающий буфер входящих RTP пакетов
package media

import "time"

// Frame кадр линейного 16-битного PCM с чередованием каналов
type Frame struct {
	Samples    []int16 // Отсчеты (interleaved)
	SampleRate int     // Частота дискретизации (Hz)
	Channels   int     // Количество каналов
}

// NewSilentFrame создает кадр тишины заданного размера
func NewSilentFrame(sampleRate, samplesPerChannel, channels int) Frame {
	if channels <= 0 {
		channels = 1
	}
	return Frame{
		Samples:    make([]int16, samplesPerChannel*channels),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// SamplesPerChannel возвращает количество отсчетов на один канал
func (f Frame) SamplesPerChannel() int {
	if f.Channels <= 0 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration возвращает длительность кадра
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}

// Clone возвращает глубокую копию кадра
func (f Frame) Clone() Frame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	return Frame{Samples: samples, SampleRate: f.SampleRate, Channels: f.Channels}
}

// Mono сводит многоканальный кадр в моно усреднением
func (f Frame) Mono() Frame {
	if f.Channels <= 1 {
		return f
	}
	n := f.SamplesPerChannel()
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for c := 0; c < f.Channels; c++ {
			sum += int32(f.Samples[i*f.Channels+c])
		}
		out[i] = int16(sum / int32(f.Channels))
	}
	return Frame{Samples: out, SampleRate: f.SampleRate, Channels: 1}
}

// IsSilent проверяет, что все отсчеты нулевые
func (f Frame) IsSilent() bool {
	for _, s := range f.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// SaturateInt16 ограничивает значение диапазоном int16
func SaturateInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
