package mixer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_engine/pkg/media"
)

type constSource struct {
	id     int
	value  int16
	rate   int
	silent bool
}

func (s *constSource) MixerSourceID() int { return s.id }

func (s *constSource) GetAudioFrame(sampleRate, samples int) (media.Frame, bool) {
	if s.silent {
		return media.Frame{}, false
	}
	rate := s.rate
	if rate == 0 {
		rate = sampleRate
	}
	n := samples * rate / sampleRate
	f := media.NewSilentFrame(rate, n, 1)
	for i := range f.Samples {
		f.Samples[i] = s.value
	}
	return f, true
}

func TestMixSums(t *testing.T) {
	m := New()
	require.True(t, m.AddSource(&constSource{id: 1, value: 100}))
	require.True(t, m.AddSource(&constSource{id: 2, value: -30}))
	require.True(t, m.AddSource(&constSource{id: 3, silent: true}))

	out := m.Mix(8000, 160)
	require.Len(t, out.Samples, 160)
	assert.Equal(t, 8000, out.SampleRate)
	for _, s := range out.Samples {
		assert.Equal(t, int16(70), s)
	}
}

func TestMixSaturates(t *testing.T) {
	m := New()
	m.AddSource(&constSource{id: 1, value: 30000})
	m.AddSource(&constSource{id: 2, value: 30000})

	out := m.Mix(8000, 10)
	assert.Equal(t, int16(32767), out.Samples[0])

	m = New()
	m.AddSource(&constSource{id: 1, value: -30000})
	m.AddSource(&constSource{id: 2, value: -30000})
	assert.Equal(t, int16(-32768), m.Mix(8000, 10).Samples[0])
}

func TestMixEmptyIsSilence(t *testing.T) {
	out := New().Mix(48000, 480)
	assert.Len(t, out.Samples, 480)
	assert.True(t, out.IsSilent())
}

func TestMixResamplesSource(t *testing.T) {
	m := New()
	m.AddSource(&constSource{id: 1, value: 50, rate: 8000})

	out := m.Mix(16000, 320)
	require.Len(t, out.Samples, 320)
	assert.Equal(t, int16(50), out.Samples[0])
	assert.Equal(t, int16(50), out.Samples[319])
}

func TestAddRemoveSource(t *testing.T) {
	m := New()
	src := &constSource{id: 5, value: 1}

	assert.True(t, m.AddSource(src))
	assert.False(t, m.AddSource(src), "повторное добавление")
	assert.Equal(t, 1, m.Len())

	assert.True(t, m.RemoveSource(src))
	assert.False(t, m.RemoveSource(src))
	assert.Equal(t, 0, m.Len())
}

func TestConcurrentMixAndMutation(t *testing.T) {
	m := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			src := &constSource{id: id, value: 1}
			for j := 0; j < 100; j++ {
				m.AddSource(src)
				m.RemoveSource(src)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Mix(8000, 80)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
