// Package core реализует оркестратор движка: таблицу каналов, ленивую
// инициализацию общего аудио устройства, набор отправителей захвата и
// маршрутизацию пакетов.
//
// Core реализует все группы возможностей voip.Engine. Публичные методы
// никогда не возвращают error: неуспех выражается false, пустым результатом
// или отсутствием действия. Причины пишутся в журнал и метрики.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/voip_engine/pkg/audiotransport"
	"github.com/arzzra/voip_engine/pkg/channel"
	"github.com/arzzra/voip_engine/pkg/codec"
	"github.com/arzzra/voip_engine/pkg/device"
	"github.com/arzzra/voip_engine/pkg/dispatcher"
	"github.com/arzzra/voip_engine/pkg/metrics"
	"github.com/arzzra/voip_engine/pkg/mixer"
	"github.com/arzzra/voip_engine/pkg/voip"
)

// Channel канал с точки зрения оркестратора
type Channel interface {
	audiotransport.Sender

	IsSending() bool
	// StartSend и StartPlay сообщают, изменил ли вызов состояние канала
	StartSend() (bool, error)
	StopSend() error
	StartPlay() (bool, error)
	StopPlay() error

	SetEncoder(payloadType int, format voip.Format) error
	SetReceiveCodecs(formats map[int]voip.Format) error
	RegisterTelephoneEventType(payloadType, sampleRateHz int) error
	SendTelephoneEvent(event voip.DtmfEvent, durationMs int) error
	GetIngressStatistics() voip.IngressStatistics

	ReceivedRTPPacket(packet []byte)
	ReceivedRTCPPacket(packet []byte)

	// Process периодическая обработка из диспетчера
	Process(now time.Time)

	// Close освобождает канал. Не блокируется и безопасен на любой горутине.
	Close()
}

// ChannelFactory создает канал для id
type ChannelFactory func(id voip.ChannelID, transport voip.Transport, localSSRC *uint32) (Channel, error)

// Config зависимости и параметры оркестратора
type Config struct {
	EncoderFactory codec.EncoderFactory // nil - встроенные G.711 и L16
	DecoderFactory codec.DecoderFactory

	Device     device.Session        // Обязательна
	Mixer      mixer.Mixer           // nil - mixer.New()
	Dispatcher dispatcher.Dispatcher // nil - dispatcher.NewTicker(DispatcherInterval)

	DispatcherInterval time.Duration

	// Channel шаблон конфигурации каналов. ID, Transport, LocalSSRC,
	// фабрики, Mixer и Logger задает оркестратор.
	Channel channel.Config

	// NewChannel заменяет конструктор каналов по умолчанию
	NewChannel ChannelFactory

	Metrics *metrics.Collector // nil - без метрик
	Logger  *slog.Logger
}

// Core оркестратор движка.
//
// Порядок полей повторяет порядок освобождения в Close: диспетчер,
// таблица каналов, устройство, микшер и адаптер.
type Core struct {
	dispatcher dispatcher.Dispatcher

	// mutex защищает таблицу, счетчик id, флаг инициализации и закрытия.
	// Под ним выполняются только операции над таблицей, никогда логика канала.
	mutex       sync.Mutex
	channels    map[voip.ChannelID]Channel
	nextID      voip.ChannelID
	initialized bool
	closed      bool

	// deviceMutex упорядочивает запуск и остановку захвата и воспроизведения
	deviceMutex sync.Mutex
	device      device.Session
	mixer       mixer.Mixer
	adapter     *audiotransport.Adapter

	newChannel ChannelFactory
	metrics    *metrics.Collector
	logger     *slog.Logger
}

var (
	_ voip.Engine     = (*Core)(nil)
	_ voip.Base       = (*Core)(nil)
	_ voip.Network    = (*Core)(nil)
	_ voip.Codec      = (*Core)(nil)
	_ voip.Dtmf       = (*Core)(nil)
	_ voip.Statistics = (*Core)(nil)

	_ Channel = (*channel.AudioChannel)(nil)
)

// New создает оркестратор и запускает диспетчер.
// Устройство не инициализируется до первого Start*.
func New(config Config) (*Core, error) {
	if config.Device == nil {
		return nil, voip.WrapError(voip.ErrorCodeInvalidArgument, "сессия устройства не задана", nil)
	}
	base := config.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("component", "voip_core"))

	if config.EncoderFactory == nil || config.DecoderFactory == nil {
		factory := codec.NewBuiltinFactory()
		if config.EncoderFactory == nil {
			config.EncoderFactory = factory
		}
		if config.DecoderFactory == nil {
			config.DecoderFactory = factory
		}
	}
	if config.Mixer == nil {
		config.Mixer = mixer.New()
	}
	if config.Dispatcher == nil {
		config.Dispatcher = dispatcher.NewTicker(config.DispatcherInterval, base)
	}

	c := &Core{
		dispatcher: config.Dispatcher,
		channels:   make(map[voip.ChannelID]Channel),
		device:     config.Device,
		mixer:      config.Mixer,
		adapter:    audiotransport.New(config.Mixer, base),
		metrics:    config.Metrics,
		logger:     logger,
	}

	c.newChannel = config.NewChannel
	if c.newChannel == nil {
		template := config.Channel
		template.EncoderFactory = config.EncoderFactory
		template.DecoderFactory = config.DecoderFactory
		template.Mixer = config.Mixer
		if template.Logger == nil {
			template.Logger = base
		}
		c.newChannel = func(id voip.ChannelID, transport voip.Transport, localSSRC *uint32) (Channel, error) {
			cfg := template
			cfg.ID = id
			cfg.Transport = transport
			cfg.LocalSSRC = localSSRC
			return channel.New(cfg)
		}
	}

	if err := c.dispatcher.Start(c.tick); err != nil {
		return nil, voip.WrapError(voip.ErrorCodeInvalidState, "запуск диспетчера", err)
	}

	c.logger.Info("оркестратор создан")
	return c, nil
}

// Base возвращает управление жизненным циклом каналов
func (c *Core) Base() voip.Base { return c }

// Network возвращает доставку входящих пакетов
func (c *Core) Network() voip.Network { return c }

// Codec возвращает настройку кодеков
func (c *Core) Codec() voip.Codec { return c }

// Dtmf возвращает отправку DTMF
func (c *Core) Dtmf() voip.Dtmf { return c }

// Statistics возвращает доступ к статистике
func (c *Core) Statistics() voip.Statistics { return c }

// tick вызывается диспетчером: снимок каналов копируется под блокировкой,
// обработка выполняется без нее
func (c *Core) tick(now time.Time) {
	c.mutex.Lock()
	snapshot := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		snapshot = append(snapshot, ch)
	}
	c.mutex.Unlock()

	for _, ch := range snapshot {
		ch.Process(now)
	}
}

// lookup копирует ссылку на канал под блокировкой
func (c *Core) lookup(id voip.ChannelID) (Channel, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// CreateChannel создает канал, связанный с transport.
// Id резервируется до конструирования, поэтому неудачная попытка
// тоже продвигает счетчик.
func (c *Core) CreateChannel(transport voip.Transport, localSSRC *uint32) (voip.ChannelID, bool) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0, false
	}
	id := c.nextID
	c.nextID++
	c.mutex.Unlock()

	ch, err := c.newChannel(id, transport, localSSRC)
	if err != nil {
		c.metrics.ChannelCreateFailed()
		c.logger.Warn("ошибка создания канала",
			slog.Int("channel_id", int(id)),
			slog.String("error", err.Error()))
		return 0, false
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		ch.Close()
		return 0, false
	}
	c.channels[id] = ch
	c.mutex.Unlock()

	c.metrics.ChannelCreated()
	c.logger.Info("канал создан", slog.Int("channel_id", int(id)))
	return id, true
}

// ReleaseChannel удаляет канал из таблицы и освобождает его.
// Неизвестный id игнорируется.
func (c *Core) ReleaseChannel(id voip.ChannelID) {
	c.mutex.Lock()
	ch, ok := c.channels[id]
	if !ok {
		c.mutex.Unlock()
		return
	}
	delete(c.channels, id)
	wasSending := ch.IsSending()
	if wasSending {
		c.updateSendersLocked()
	}
	c.mutex.Unlock()

	if wasSending {
		c.reconcileCapture()
	}
	ch.Close()

	c.metrics.ChannelReleased()
	c.logger.Info("канал освобожден", slog.Int("channel_id", int(id)))
}

// initializeIfNeededLocked инициализирует устройство при первом Start*.
// Неудача не запоминается: следующий вызов повторит попытку.
func (c *Core) initializeIfNeededLocked() bool {
	if c.initialized {
		return true
	}

	if err := c.device.Init(); err != nil {
		c.deviceInitFailed("инициализация", err)
		return false
	}
	if err := c.device.SelectDefaultDevices(); err != nil {
		c.deviceInitFailed("выбор устройств по умолчанию", err)
		c.terminateDevice()
		return false
	}
	if err := c.device.RegisterAudioCallback(c.adapter); err != nil {
		c.deviceInitFailed("регистрация callback", err)
		c.terminateDevice()
		return false
	}

	c.initialized = true
	c.logger.Info("аудио устройство инициализировано")
	return true
}

func (c *Core) deviceInitFailed(stage string, err error) {
	c.metrics.DeviceInitFailed()
	c.logger.Warn("ошибка инициализации аудио устройства",
		slog.String("stage", stage),
		slog.String("error", voip.WrapError(voip.ErrorCodeDeviceInitFailure, stage, err).Error()))
}

func (c *Core) terminateDevice() {
	if err := c.device.Terminate(); err != nil {
		c.logger.Error("ошибка освобождения аудио устройства", slog.String("error", err.Error()))
	}
}

// lookupAndInitialize находит канал и инициализирует устройство одним
// захватом блокировки. Для неизвестного id устройство не трогается.
func (c *Core) lookupAndInitialize(id voip.ChannelID) (Channel, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ch, ok := c.channels[id]
	if !ok {
		return nil, false
	}
	if !c.initializeIfNeededLocked() {
		return nil, false
	}
	return ch, true
}

// StartSend запускает отправку канала
func (c *Core) StartSend(id voip.ChannelID) bool {
	ch, ok := c.lookupAndInitialize(id)
	if !ok {
		return false
	}
	changed, err := ch.StartSend()
	if err != nil {
		c.logger.Debug("канал отклонил StartSend", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		return false
	}
	if c.updateSenders() {
		return true
	}

	// Без захвата канал не получит ни одного кадра: переход отменяется
	if changed {
		if err := ch.StopSend(); err != nil {
			c.logger.Debug("канал отклонил StopSend", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		}
		c.updateSenders()
	}
	return false
}

// StopSend останавливает отправку канала
func (c *Core) StopSend(id voip.ChannelID) bool {
	ch, ok := c.lookup(id)
	if !ok {
		return false
	}
	if err := ch.StopSend(); err != nil {
		c.logger.Debug("канал отклонил StopSend", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		return false
	}
	c.updateSenders()
	return true
}

// StartPlayout запускает воспроизведение канала и, если нужно, устройства
func (c *Core) StartPlayout(id voip.ChannelID) bool {
	ch, ok := c.lookupAndInitialize(id)
	if !ok {
		return false
	}
	changed, err := ch.StartPlay()
	if err != nil {
		c.logger.Debug("канал отклонил StartPlay", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		return false
	}

	c.deviceMutex.Lock()
	defer c.deviceMutex.Unlock()
	if c.device.Playing() {
		return true
	}
	if err := c.device.StartPlayout(); err != nil {
		c.logger.Error("ошибка запуска воспроизведения", slog.String("error", err.Error()))
		if changed {
			_ = ch.StopPlay()
		}
		return false
	}
	c.logger.Info("воспроизведение устройства запущено")
	return true
}

// StopPlayout останавливает воспроизведение канала. Устройство продолжает
// воспроизводить микс остальных каналов.
func (c *Core) StopPlayout(id voip.ChannelID) bool {
	ch, ok := c.lookup(id)
	if !ok {
		return false
	}
	if err := ch.StopPlay(); err != nil {
		c.logger.Debug("канал отклонил StopPlay", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		return false
	}
	return true
}

// updateSenders пересчитывает набор отправителей и согласует захват.
// false означает, что захват нужен, но не запустился.
func (c *Core) updateSenders() bool {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return true
	}
	c.updateSendersLocked()
	c.mutex.Unlock()

	return c.reconcileCapture()
}

// updateSendersLocked собирает отправляющие каналы таблицы и атомарно
// устанавливает набор в адаптер
func (c *Core) updateSendersLocked() {
	senders := make(map[voip.ChannelID]audiotransport.Sender)
	for id, ch := range c.channels {
		if ch.IsSending() {
			senders[id] = ch
		}
	}
	c.adapter.SetSenders(senders)
	c.metrics.SetSenders(len(senders))
}

// reconcileCapture держит захват запущенным тогда и только тогда, когда
// установленный набор отправителей не пуст. Возвращает false, только
// если захват не удалось запустить.
func (c *Core) reconcileCapture() bool {
	c.deviceMutex.Lock()
	defer c.deviceMutex.Unlock()

	c.mutex.Lock()
	initialized, closed, adapter := c.initialized, c.closed, c.adapter
	c.mutex.Unlock()
	if !initialized || closed || adapter == nil {
		return true
	}

	want := adapter.SenderCount() > 0
	if want == c.device.Recording() {
		return true
	}
	if want {
		if err := c.device.StartRecording(); err != nil {
			c.logger.Error("ошибка запуска захвата", slog.String("error", err.Error()))
			return false
		}
		c.logger.Info("захват устройства запущен")
		return true
	}
	if err := c.device.StopRecording(); err != nil {
		c.logger.Error("ошибка остановки захвата", slog.String("error", err.Error()))
		return true
	}
	c.logger.Info("захват устройства остановлен")
	return true
}

// ReceivedRTPPacket передает RTP пакет каналу. Пакеты неизвестных
// каналов отбрасываются.
func (c *Core) ReceivedRTPPacket(id voip.ChannelID, packet []byte) {
	ch, ok := c.lookup(id)
	if !ok {
		c.dropUnknown(id, "rtp")
		return
	}
	ch.ReceivedRTPPacket(packet)
}

// ReceivedRTCPPacket передает RTCP пакет каналу
func (c *Core) ReceivedRTCPPacket(id voip.ChannelID, packet []byte) {
	ch, ok := c.lookup(id)
	if !ok {
		c.dropUnknown(id, "rtcp")
		return
	}
	ch.ReceivedRTCPPacket(packet)
}

func (c *Core) dropUnknown(id voip.ChannelID, kind string) {
	c.metrics.PacketDropped(metrics.DropUnknownChannel)
	c.logger.Debug("пакет для неизвестного канала",
		slog.Int("channel_id", int(id)),
		slog.String("kind", kind))
}

// SetSendCodec заменяет энкодер канала
func (c *Core) SetSendCodec(id voip.ChannelID, payloadType int, format voip.Format) {
	ch, ok := c.lookup(id)
	if !ok {
		return
	}
	if err := ch.SetEncoder(payloadType, format); err != nil {
		c.logger.Warn("ошибка установки энкодера", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
	}
}

// SetReceiveCodecs заменяет таблицу декодеров канала
func (c *Core) SetReceiveCodecs(id voip.ChannelID, decoders map[int]voip.Format) {
	ch, ok := c.lookup(id)
	if !ok {
		return
	}
	if err := ch.SetReceiveCodecs(decoders); err != nil {
		c.logger.Warn("часть декодеров не установлена", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
	}
}

// RegisterTelephoneEventType задает payload type исходящих DTMF событий
func (c *Core) RegisterTelephoneEventType(id voip.ChannelID, payloadType int, sampleRateHz int) {
	ch, ok := c.lookup(id)
	if !ok {
		return
	}
	if err := ch.RegisterTelephoneEventType(payloadType, sampleRateHz); err != nil {
		c.logger.Warn("ошибка регистрации telephone-event", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
	}
}

// SendDtmfEvent ставит DTMF событие в очередь канала
func (c *Core) SendDtmfEvent(id voip.ChannelID, event voip.DtmfEvent, durationMs int) bool {
	ch, ok := c.lookup(id)
	if !ok {
		c.metrics.DTMF(metrics.DTMFRejected)
		return false
	}
	if err := ch.SendTelephoneEvent(event, durationMs); err != nil {
		c.metrics.DTMF(metrics.DTMFRejected)
		level := slog.LevelDebug
		if errors.Is(err, voip.ErrQueueFull) {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "DTMF событие отклонено",
			slog.Int("channel_id", int(id)),
			slog.String("event", event.String()),
			slog.String("error", err.Error()))
		return false
	}
	c.metrics.DTMF(metrics.DTMFQueued)
	return true
}

// GetIngressStatistics снимок статистики приема. Канал без входящих
// пакетов возвращает нулевую статистику и true.
func (c *Core) GetIngressStatistics(id voip.ChannelID) (voip.IngressStatistics, bool) {
	ch, ok := c.lookup(id)
	if !ok {
		return voip.IngressStatistics{}, false
	}
	return ch.GetIngressStatistics(), true
}

// Senders возвращает отсортированные id установленного набора отправителей
func (c *Core) Senders() []voip.ChannelID {
	c.mutex.Lock()
	adapter := c.adapter
	c.mutex.Unlock()
	if adapter == nil {
		return nil
	}

	set := adapter.Senders()
	ids := make([]voip.ChannelID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ChannelCount количество каналов в таблице
func (c *Core) ChannelCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.channels)
}

// Close освобождает оркестратор в фиксированном порядке: останавливает
// диспетчер, закрывает все каналы, останавливает и освобождает устройство,
// затем отпускает микшер и адаптер. Повторный вызов ничего не делает.
func (c *Core) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	c.mutex.Unlock()

	// 1. Диспетчер: после Stop ни один такт не обращается к каналам
	c.dispatcher.Stop()

	// 2. Таблица каналов
	c.mutex.Lock()
	table := c.channels
	c.channels = make(map[voip.ChannelID]Channel)
	c.mutex.Unlock()

	for _, ch := range table {
		ch.Close()
	}
	c.metrics.ChannelsClosed(len(table))

	// 3. Устройство: пустой набор отправителей, затем остановка потоков
	c.adapter.SetSenders(nil)
	c.metrics.SetSenders(0)

	c.deviceMutex.Lock()
	c.mutex.Lock()
	initialized := c.initialized
	c.initialized = false
	c.mutex.Unlock()
	if initialized {
		if err := c.device.StopRecording(); err != nil {
			c.logger.Warn("ошибка остановки захвата", slog.String("error", err.Error()))
		}
		if err := c.device.StopPlayout(); err != nil {
			c.logger.Warn("ошибка остановки воспроизведения", slog.String("error", err.Error()))
		}
		c.terminateDevice()
	}
	c.deviceMutex.Unlock()

	// 4. Микшер и адаптер
	c.mutex.Lock()
	c.mixer = nil
	c.adapter = nil
	c.mutex.Unlock()

	c.logger.Info("оркестратор остановлен", slog.Int("channels_closed", len(table)))
}
