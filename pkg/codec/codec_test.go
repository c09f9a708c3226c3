package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_engine/pkg/voip"
)

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestG711RoundTrip(t *testing.T) {
	factory := NewBuiltinFactory()
	samples := []int16{0, 1000, -1000, 8000, -12000, 30000}

	for _, name := range []string{NamePCMU, NamePCMA} {
		enc, err := factory.MakeEncoder(0, voip.NewFormat(name, 8000, 1))
		require.NoError(t, err, name)
		dec, err := factory.MakeDecoder(voip.NewFormat(name, 8000, 1))
		require.NoError(t, err, name)

		payload, err := enc.Encode(samples)
		require.NoError(t, err)
		require.Len(t, payload, len(samples), "один байт на отсчет")

		decoded, err := dec.Decode(payload)
		require.NoError(t, err)
		require.Len(t, decoded, len(samples))
		for i, s := range samples {
			// Логарифмическое квантование: ошибка растет с амплитудой
			tolerance := abs(int(s))/16 + 16
			assert.InDelta(t, s, decoded[i], float64(tolerance), "%s отсчет %d", name, i)
		}
		assert.Equal(t, 8000, enc.SampleRate())
	}
}

func TestL16NetworkByteOrder(t *testing.T) {
	factory := NewBuiltinFactory()
	enc, err := factory.MakeEncoder(96, voip.NewFormat("l16", 16000, 1))
	require.NoError(t, err)

	payload, err := enc.Encode([]int16{0x0102, -2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xFF, 0xFE}, payload)
	assert.Equal(t, 16000, enc.SampleRate())

	dec, err := factory.MakeDecoder(voip.NewFormat(NameL16, 16000, 1))
	require.NoError(t, err)
	pcm, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []int16{0x0102, -2}, pcm)

	_, err = dec.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFactoryRejects(t *testing.T) {
	factory := NewBuiltinFactory()

	_, err := factory.MakeEncoder(0, voip.NewFormat("opus", 48000, 2))
	assert.ErrorIs(t, err, voip.ErrCodecUnsupported)

	_, err = factory.MakeEncoder(128, voip.NewFormat(NamePCMU, 8000, 1))
	assert.ErrorIs(t, err, voip.ErrInvalidArgument)

	_, err = factory.MakeDecoder(voip.NewFormat(NamePCMU, 16000, 1))
	assert.ErrorIs(t, err, voip.ErrCodecUnsupported)
}

func TestSupportedFormats(t *testing.T) {
	formats := SupportedFormats()
	assert.Len(t, formats, 6)
	assert.True(t, IsSupported(voip.NewFormat("pcma", 8000, 0)))
	assert.False(t, IsSupported(voip.NewFormat(NameTelEvent, 8000, 1)))
}
