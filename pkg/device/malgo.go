package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/arzzra/voip_engine/pkg/media"
)

// Malgo сессия устройства на miniaudio. Захват и воспроизведение
// открываются отдельными устройствами по умолчанию, формат S16.
type Malgo struct {
	config Config
	logger *slog.Logger

	mutex    sync.Mutex
	ctx      *malgo.AllocatedContext
	selected bool
	callback AudioCallback
	capture  *malgo.Device
	playback *malgo.Device
}

var _ Session = (*Malgo)(nil)

// NewMalgo создает сессию. Контекст miniaudio создается в Init.
func NewMalgo(config Config, logger *slog.Logger) *Malgo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Malgo{
		config: config.withDefaults(),
		logger: logger.With(slog.String("component", "device_malgo")),
	}
}

// Init создает контекст miniaudio
func (m *Malgo) Init() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.ctx != nil {
		return nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("malgo", slog.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("ошибка инициализации аудио контекста: %w", err)
	}
	m.ctx = ctx
	return nil
}

// Initialized проверяет, создан ли контекст
func (m *Malgo) Initialized() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ctx != nil
}

// SelectDefaultDevices проверяет наличие устройств захвата и воспроизведения
func (m *Malgo) SelectDefaultDevices() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.ctx == nil {
		return ErrNotInitialized
	}
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		devices, err := m.ctx.Devices(kind)
		if err != nil {
			return fmt.Errorf("ошибка перечисления устройств: %w", err)
		}
		if len(devices) == 0 {
			return ErrNoDevice
		}
		name := devices[0].Name()
		for i := range devices {
			if devices[i].IsDefault != 0 {
				name = devices[i].Name()
			}
		}
		m.logger.Info("выбрано аудио устройство",
			slog.String("type", kindName(kind)),
			slog.String("name", name))
	}
	m.selected = true
	return nil
}

func kindName(kind malgo.DeviceType) string {
	if kind == malgo.Capture {
		return "capture"
	}
	return "playback"
}

// RegisterAudioCallback устанавливает получателя звука
func (m *Malgo) RegisterAudioCallback(cb AudioCallback) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.ctx == nil {
		return ErrNotInitialized
	}
	m.callback = cb
	return nil
}

func (m *Malgo) deviceConfig(kind malgo.DeviceType) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(m.config.SampleRate)
	cfg.PeriodSizeInFrames = uint32(m.config.FrameSamples())
	if kind == malgo.Capture {
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(m.config.Channels)
	} else {
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(m.config.Channels)
	}
	return cfg
}

// StartRecording открывает и запускает устройство захвата
func (m *Malgo) StartRecording() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.capture != nil {
		return nil
	}
	if err := m.readyLocked(); err != nil {
		return err
	}

	cb := m.callback
	channels := m.config.Channels
	rate := m.config.SampleRate
	onData := func(_, input []byte, _ uint32) {
		cb.RecordedDataIsAvailable(media.Frame{
			Samples:    bytesToInt16(input),
			SampleRate: rate,
			Channels:   channels,
		})
	}

	device, err := malgo.InitDevice(m.ctx.Context, m.deviceConfig(malgo.Capture), malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("ошибка открытия устройства захвата: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("ошибка запуска захвата: %w", err)
	}
	m.capture = device
	m.logger.Info("захват запущен", slog.Int("sample_rate", rate))
	return nil
}

// StopRecording останавливает захват
func (m *Malgo) StopRecording() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopLocked(&m.capture, "захват")
}

// Recording проверяет, идет ли захват
func (m *Malgo) Recording() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.capture != nil
}

// StartPlayout открывает и запускает устройство воспроизведения
func (m *Malgo) StartPlayout() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.playback != nil {
		return nil
	}
	if err := m.readyLocked(); err != nil {
		return err
	}

	cb := m.callback
	channels := m.config.Channels
	rate := m.config.SampleRate
	onData := func(output, _ []byte, frameCount uint32) {
		frame := cb.NeedMorePlayData(rate, int(frameCount))
		writeInterleaved(output, frame.Mono().Samples, channels)
	}

	device, err := malgo.InitDevice(m.ctx.Context, m.deviceConfig(malgo.Playback), malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("ошибка открытия устройства воспроизведения: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("ошибка запуска воспроизведения: %w", err)
	}
	m.playback = device
	m.logger.Info("воспроизведение запущено", slog.Int("sample_rate", rate))
	return nil
}

// StopPlayout останавливает воспроизведение
func (m *Malgo) StopPlayout() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopLocked(&m.playback, "воспроизведение")
}

// Playing проверяет, идет ли воспроизведение
func (m *Malgo) Playing() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.playback != nil
}

// Terminate останавливает устройства и освобождает контекст
func (m *Malgo) Terminate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_ = m.stopLocked(&m.capture, "захват")
	_ = m.stopLocked(&m.playback, "воспроизведение")
	m.callback = nil
	m.selected = false

	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("ошибка освобождения аудио контекста: %w", err)
	}
	return nil
}

func (m *Malgo) readyLocked() error {
	if m.ctx == nil || !m.selected {
		return ErrNotInitialized
	}
	if m.callback == nil {
		return ErrNoCallback
	}
	return nil
}

func (m *Malgo) stopLocked(device **malgo.Device, what string) error {
	if *device == nil {
		return nil
	}
	err := (*device).Stop()
	(*device).Uninit()
	*device = nil
	if err != nil {
		m.logger.Warn("ошибка остановки устройства", slog.String("device", what), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// bytesToInt16 переводит S16LE буфер устройства в отсчеты
func bytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return pcm
}

// writeInterleaved записывает моно отсчеты во все каналы S16LE буфера.
// Недостающие отсчеты заполняются тишиной.
func writeInterleaved(out []byte, mono []int16, channels int) {
	if channels <= 0 {
		channels = 1
	}
	frames := len(out) / (2 * channels)
	for i := 0; i < frames; i++ {
		var s int16
		if i < len(mono) {
			s = mono[i]
		}
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[2*(i*channels+c):], uint16(s))
		}
	}
}
