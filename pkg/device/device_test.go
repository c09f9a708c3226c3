package device

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_engine/pkg/media"
)

type echoCallback struct {
	captured []media.Frame
}

func (e *echoCallback) RecordedDataIsAvailable(frame media.Frame) {
	e.captured = append(e.captured, frame.Clone())
}

func (e *echoCallback) NeedMorePlayData(sampleRate, samples int) media.Frame {
	return media.NewSilentFrame(sampleRate, samples, 1)
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	cb := &echoCallback{}

	assert.ErrorIs(t, f.SelectDefaultDevices(), ErrNotInitialized)

	require.NoError(t, f.Init())
	require.NoError(t, f.SelectDefaultDevices())
	assert.ErrorIs(t, f.StartRecording(), ErrNoCallback)
	require.NoError(t, f.RegisterAudioCallback(cb))

	require.NoError(t, f.StartRecording())
	require.NoError(t, f.StartRecording(), "повторный старт")
	require.NoError(t, f.StartPlayout())
	assert.True(t, f.Recording())
	assert.True(t, f.Playing())

	assert.True(t, f.PushCapture(media.NewSilentFrame(48000, 480, 1)))
	assert.Len(t, cb.captured, 1)

	frame, ok := f.PullRender(48000, 480)
	require.True(t, ok)
	assert.Len(t, frame.Samples, 480)

	require.NoError(t, f.Terminate())
	assert.False(t, f.Recording())
	assert.False(t, f.PushCapture(media.NewSilentFrame(48000, 480, 1)))

	assert.Equal(t, []string{
		"init", "select", "register",
		"start_recording", "start_playout", "terminate",
	}, f.Events())
}

func TestFakeInitFailureIsRetryable(t *testing.T) {
	f := NewFake()
	f.SetInitError(errors.New("нет звуковой карты"))

	assert.Error(t, f.Init())
	assert.False(t, f.Initialized())

	f.SetInitError(nil)
	require.NoError(t, f.Init())
	assert.True(t, f.Initialized())
	assert.Equal(t, 2, f.InitCalls())
}

func TestConfigFrameSamples(t *testing.T) {
	assert.Equal(t, 480, DefaultConfig().FrameSamples())
	assert.Equal(t, 160, Config{SampleRate: 8000, FrameDuration: 20 * time.Millisecond}.FrameSamples())
	assert.Equal(t, 480, Config{}.FrameSamples(), "нулевая конфигурация получает значения по умолчанию")
}

func TestSampleConversion(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xFE, 0xFF}
	assert.Equal(t, []int16{0x0201, -2}, bytesToInt16(raw))

	out := make([]byte, 8)
	writeInterleaved(out, []int16{0x0102}, 2)
	assert.Equal(t, int16(0x0102), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(0x0102), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, []byte{0, 0, 0, 0}, out[4:], "недостающие отсчеты заполнены тишиной")
}
