// Package mixer сводит звук всех воспроизводящих каналов в один кадр
// для устройства воспроизведения.
package mixer

import (
	"sync"

	"github.com/arzzra/voip_engine/pkg/media"
)

// Source источник звука для микшера
type Source interface {
	// MixerSourceID уникальный идентификатор источника
	MixerSourceID() int

	// GetAudioFrame возвращает моно кадр samples отсчетов частоты sampleRate.
	// false означает, что источнику нечего воспроизводить.
	GetAudioFrame(sampleRate, samples int) (media.Frame, bool)
}

// Mixer набор источников и их сведение
type Mixer interface {
	AddSource(src Source) bool
	RemoveSource(src Source) bool
	Mix(sampleRate, samples int) media.Frame
}

// AudioMixer сводит источники насыщающим сложением отсчетов
type AudioMixer struct {
	mutex   sync.RWMutex
	sources map[int]Source
}

var _ Mixer = (*AudioMixer)(nil)

// New создает пустой микшер
func New() *AudioMixer {
	return &AudioMixer{sources: make(map[int]Source)}
}

// AddSource добавляет источник. false если он уже добавлен.
func (m *AudioMixer) AddSource(src Source) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := src.MixerSourceID()
	if _, exists := m.sources[id]; exists {
		return false
	}
	m.sources[id] = src
	return true
}

// RemoveSource удаляет источник. false если его не было.
func (m *AudioMixer) RemoveSource(src Source) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := src.MixerSourceID()
	if _, exists := m.sources[id]; !exists {
		return false
	}
	delete(m.sources, id)
	return true
}

// Len возвращает количество источников
func (m *AudioMixer) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sources)
}

// Mix запрашивает кадр у каждого источника и складывает их.
// Без источников возвращается тишина.
func (m *AudioMixer) Mix(sampleRate, samples int) media.Frame {
	m.mutex.RLock()
	sources := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.mutex.RUnlock()

	acc := make([]int32, samples)
	for _, src := range sources {
		frame, ok := src.GetAudioFrame(sampleRate, samples)
		if !ok {
			continue
		}
		mono := frame.Mono()
		if mono.SampleRate != sampleRate && mono.SampleRate > 0 {
			mono = media.ResampleFrame(mono, sampleRate)
		}
		n := len(mono.Samples)
		if n > samples {
			n = samples
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(mono.Samples[i])
		}
	}

	out := media.NewSilentFrame(sampleRate, samples, 1)
	for i, v := range acc {
		out.Samples[i] = media.SaturateInt16(v)
	}
	return out
}
