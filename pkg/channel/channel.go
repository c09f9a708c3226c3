// Package channel реализует аудио канал движка: один RTP поток в каждую
// сторону, RTCP отчеты и DTMF.
//
// Канал разделяется между таблицей каналов, вызывающим кодом, потоком
// устройства и диспетчером. Все методы безопасны для конкурентного вызова,
// после Close любые вызовы ничего не делают.
package channel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/voip_engine/pkg/codec"
	"github.com/arzzra/voip_engine/pkg/media"
	"github.com/arzzra/voip_engine/pkg/mixer"
	"github.com/arzzra/voip_engine/pkg/rtp"
	"github.com/arzzra/voip_engine/pkg/voip"
)

// Состояния канала
const (
	StateIdle           = "idle"
	StateSending        = "sending"
	StatePlaying        = "playing"
	StateSendingPlaying = "sending_playing"
	StateReleased       = "released"
)

// События автомата состояний
const (
	eventStartSend    = "start_send"
	eventStopSend     = "stop_send"
	eventStartPlayout = "start_playout"
	eventStopPlayout  = "stop_playout"
	eventRelease      = "release"
)

// Config параметры канала
type Config struct {
	ID        voip.ChannelID
	Transport voip.Transport // Обязателен
	LocalSSRC *uint32        // nil - случайный SSRC

	EncoderFactory codec.EncoderFactory
	DecoderFactory codec.DecoderFactory
	Mixer          mixer.Mixer // Куда добавлять канал при воспроизведении

	DTMFQueueSize  int
	JitterBuffer   media.JitterBufferConfig
	ReportInterval time.Duration // Интервал RTCP отчетов
	CNAME          string        // Пустой - сгенерировать
	Logger         *slog.Logger
}

// AudioChannel аудио канал
type AudioChannel struct {
	id        voip.ChannelID
	ssrc      uint32
	cname     string
	transport voip.Transport
	mixer     mixer.Mixer
	encoders  codec.EncoderFactory
	decoders  codec.DecoderFactory
	logger    *slog.Logger

	stateMutex sync.Mutex
	state      *fsm.FSM
	sending    atomic.Bool
	playing    atomic.Bool
	closed     atomic.Bool

	egress  egress
	ingress ingress
	reports reports
}

var _ mixer.Source = (*AudioChannel)(nil)

// New создает канал в состоянии idle
func New(config Config) (*AudioChannel, error) {
	if config.Transport == nil {
		return nil, voip.NewError(voip.ErrorCodeInvalidArgument, config.ID, "транспорт не задан")
	}
	if config.EncoderFactory == nil || config.DecoderFactory == nil {
		factory := codec.NewBuiltinFactory()
		if config.EncoderFactory == nil {
			config.EncoderFactory = factory
		}
		if config.DecoderFactory == nil {
			config.DecoderFactory = factory
		}
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = rtp.DefaultReportInterval
	}

	ssrc, err := pickSSRC(config.LocalSSRC)
	if err != nil {
		return nil, voip.WrapError(voip.ErrorCodeInvalidArgument, "генерация SSRC", err)
	}
	cname := config.CNAME
	if cname == "" {
		cname = uuid.NewString()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &AudioChannel{
		id:        config.ID,
		ssrc:      ssrc,
		cname:     cname,
		transport: config.Transport,
		mixer:     config.Mixer,
		encoders:  config.EncoderFactory,
		decoders:  config.DecoderFactory,
		logger: logger.With(
			slog.String("component", "channel"),
			slog.Int("channel_id", int(config.ID)),
		),
	}
	ch.initStateMachine()
	ch.egress.init(ssrc, config.DTMFQueueSize)
	ch.ingress.init(config.JitterBuffer)
	ch.reports.interval = config.ReportInterval

	ch.logger.Debug("канал создан", slog.Uint64("ssrc", uint64(ssrc)))
	return ch, nil
}

func pickSSRC(local *uint32) (uint32, error) {
	if local != nil {
		return *local, nil
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// initStateMachine инициализирует конечный автомат направлений медиа
func (c *AudioChannel) initStateMachine() {
	active := []string{StateIdle, StateSending, StatePlaying, StateSendingPlaying}
	c.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStartSend, Src: []string{StateIdle}, Dst: StateSending},
			{Name: eventStartSend, Src: []string{StatePlaying}, Dst: StateSendingPlaying},
			{Name: eventStopSend, Src: []string{StateSending}, Dst: StateIdle},
			{Name: eventStopSend, Src: []string{StateSendingPlaying}, Dst: StatePlaying},
			{Name: eventStartPlayout, Src: []string{StateIdle}, Dst: StatePlaying},
			{Name: eventStartPlayout, Src: []string{StateSending}, Dst: StateSendingPlaying},
			{Name: eventStopPlayout, Src: []string{StatePlaying}, Dst: StateIdle},
			{Name: eventStopPlayout, Src: []string{StateSendingPlaying}, Dst: StateSending},
			{Name: eventRelease, Src: active, Dst: StateReleased},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("смена состояния канала",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

// fire выполняет переход, если он возможен. false если переход недопустим
// в текущем состоянии (повторный вызов или закрытый канал).
func (c *AudioChannel) fire(event string) bool {
	if !c.state.Can(event) {
		return false
	}
	if err := c.state.Event(context.Background(), event); err != nil {
		c.logger.Warn("ошибка перехода состояния", slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	return true
}

// ID возвращает идентификатор канала
func (c *AudioChannel) ID() voip.ChannelID { return c.id }

// SSRC возвращает локальный SSRC
func (c *AudioChannel) SSRC() uint32 { return c.ssrc }

// CNAME возвращает CNAME для RTCP SDES
func (c *AudioChannel) CNAME() string { return c.cname }

// State возвращает текущее состояние автомата
func (c *AudioChannel) State() string {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state.Current()
}

// IsSending проверяет, отправляет ли канал звук
func (c *AudioChannel) IsSending() bool { return c.sending.Load() }

// IsPlaying проверяет, воспроизводит ли канал звук
func (c *AudioChannel) IsPlaying() bool { return c.playing.Load() }

// StartSend начинает отправку. Без энкодера канал принимает кадры,
// но не отправляет пакеты, пока энкодер не будет задан. true означает,
// что вызов перевел канал в отправку.
func (c *AudioChannel) StartSend() (bool, error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.closed.Load() {
		return false, voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if !c.fire(eventStartSend) {
		return false, nil
	}
	c.egress.start()
	c.sending.Store(true)
	c.logger.Info("отправка запущена")
	return true, nil
}

// StopSend останавливает отправку и сбрасывает очередь DTMF
func (c *AudioChannel) StopSend() error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if c.fire(eventStopSend) {
		c.sending.Store(false)
		c.egress.stop()
		c.logger.Info("отправка остановлена")
	}
	return nil
}

// StartPlay начинает воспроизведение: канал становится источником микшера.
// true означает, что состояние изменил этот вызов.
func (c *AudioChannel) StartPlay() (bool, error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.closed.Load() {
		return false, voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if !c.fire(eventStartPlayout) {
		return false, nil
	}
	c.playing.Store(true)
	if c.mixer != nil {
		c.mixer.AddSource(c)
	}
	c.logger.Info("воспроизведение запущено")
	return true, nil
}

// StopPlay останавливает воспроизведение
func (c *AudioChannel) StopPlay() error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if c.fire(eventStopPlayout) {
		c.playing.Store(false)
		if c.mixer != nil {
			c.mixer.RemoveSource(c)
		}
		c.ingress.resetPlayout()
		c.logger.Info("воспроизведение остановлено")
	}
	return nil
}

// Close освобождает канал: уходит из микшера, отправляет BYE, если
// отправлял, и переводит все последующие вызовы в no-op. Не блокируется
// на сети дольше одной отправки датаграммы.
func (c *AudioChannel) Close() {
	c.stateMutex.Lock()
	if c.closed.Swap(true) {
		c.stateMutex.Unlock()
		return
	}
	wasSending := c.sending.Swap(false)
	wasPlaying := c.playing.Swap(false)
	c.fire(eventRelease)
	c.stateMutex.Unlock()

	if wasPlaying && c.mixer != nil {
		c.mixer.RemoveSource(c)
	}
	c.egress.stop()
	if wasSending {
		c.sendBye()
	}
	c.logger.Info("канал освобожден")
}

// Closed проверяет, освобожден ли канал
func (c *AudioChannel) Closed() bool { return c.closed.Load() }

// SetEncoder заменяет энкодер отправки
func (c *AudioChannel) SetEncoder(payloadType int, format voip.Format) error {
	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if !voip.ValidPayloadType(payloadType) {
		return voip.NewError(voip.ErrorCodeInvalidArgument, c.id,
			fmt.Sprintf("payload type %d вне диапазона 0-127", payloadType))
	}
	enc, err := c.encoders.MakeEncoder(payloadType, format)
	if err != nil {
		return fmt.Errorf("канал %d: энкодер %s: %w", c.id, format, err)
	}
	c.egress.setEncoder(uint8(payloadType), enc)
	c.logger.Info("энкодер установлен", slog.Int("payload_type", payloadType), slog.String("format", format.String()))
	return nil
}

// SetReceiveCodecs целиком заменяет таблицу декодеров. Записи с
// неподдерживаемым форматом пропускаются, ошибки возвращаются вместе.
func (c *AudioChannel) SetReceiveCodecs(formats map[int]voip.Format) error {
	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}

	decoders := make(map[uint8]codec.Decoder, len(formats))
	events := make(map[uint8]int)
	var errs []error
	for pt, format := range formats {
		if !voip.ValidPayloadType(pt) {
			errs = append(errs, voip.NewError(voip.ErrorCodeInvalidArgument, c.id,
				fmt.Sprintf("payload type %d вне диапазона 0-127", pt)))
			continue
		}
		if format.Matches(voip.NewFormat(codec.NameTelEvent, format.ClockRate, 1)) {
			events[uint8(pt)] = format.ClockRate
			continue
		}
		dec, err := c.decoders.MakeDecoder(format)
		if err != nil {
			errs = append(errs, fmt.Errorf("канал %d: декодер %s: %w", c.id, format, err))
			continue
		}
		decoders[uint8(pt)] = dec
	}

	c.ingress.setDecoders(decoders, events)
	c.logger.Info("декодеры установлены", slog.Int("decoders", len(decoders)), slog.Int("telephone_events", len(events)))
	return errors.Join(errs...)
}

// RegisterTelephoneEventType задает payload type и частоту исходящих DTMF
func (c *AudioChannel) RegisterTelephoneEventType(payloadType, sampleRateHz int) error {
	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if !voip.ValidPayloadType(payloadType) {
		return voip.NewError(voip.ErrorCodeInvalidArgument, c.id,
			fmt.Sprintf("payload type %d вне диапазона 0-127", payloadType))
	}
	if sampleRateHz <= 0 {
		return voip.NewError(voip.ErrorCodeInvalidArgument, c.id,
			fmt.Sprintf("недопустимая частота telephone-event: %d", sampleRateHz))
	}
	c.egress.setTelephoneEvent(uint8(payloadType), sampleRateHz)
	return nil
}

// SendTelephoneEvent ставит DTMF событие в очередь отправки
func (c *AudioChannel) SendTelephoneEvent(event voip.DtmfEvent, durationMs int) error {
	if c.closed.Load() {
		return voip.NewError(voip.ErrorCodeClosed, c.id, "канал освобожден")
	}
	if !c.sending.Load() {
		return voip.NewError(voip.ErrorCodeInvalidState, c.id, "канал не отправляет")
	}
	if !event.Valid() || durationMs <= 0 {
		return voip.NewError(voip.ErrorCodeInvalidArgument, c.id,
			fmt.Sprintf("недопустимое событие %d длительностью %dms", event, durationMs))
	}
	return c.egress.queueEvent(c.id, event, time.Duration(durationMs)*time.Millisecond)
}

// GetIngressStatistics снимок статистики приема. Для канала без входящих
// пакетов все поля нулевые.
func (c *AudioChannel) GetIngressStatistics() voip.IngressStatistics {
	return c.ingress.statistics()
}

// EgressStatistics счетчики отправки
type EgressStatistics struct {
	PacketsSent uint32
	OctetsSent  uint32
	DTMFSent    uint64
}

// GetEgressStatistics снимок счетчиков отправки
func (c *AudioChannel) GetEgressStatistics() EgressStatistics {
	return c.egress.statistics()
}

// MixerSourceID идентификатор канала как источника микшера
func (c *AudioChannel) MixerSourceID() int { return int(c.id) }
