// Package metrics экспортирует метрики движка в Prometheus.
//
// Все методы Collector безопасны для nil получателя: движок без метрик
// просто передает nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метки packets_dropped_total
const (
	DropUnknownChannel = "unknown_channel"
	DropMalformed      = "malformed"
	DropNotPlaying     = "not_playing"
)

// Метки dtmf_events_total
const (
	DTMFQueued   = "queued"
	DTMFRejected = "rejected"
)

// Config конфигурация сборщика
type Config struct {
	Namespace string
	Subsystem string

	// Registerer куда регистрировать метрики; nil - prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "voip",
		Subsystem: "core",
	}
}

// Collector метрики каналов, устройства и DTMF
type Collector struct {
	channelsCreated     prometheus.Counter
	channelsReleased    prometheus.Counter
	channelCreateFailed prometheus.Counter
	channelsActive      prometheus.Gauge
	sendersActive       prometheus.Gauge
	packetsDropped      *prometheus.CounterVec
	deviceInitFailures  prometheus.Counter
	dtmfEvents          *prometheus.CounterVec
}

// New создает и регистрирует метрики
func New(config Config) *Collector {
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	ns, sub := config.Namespace, config.Subsystem

	return &Collector{
		channelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channels_created_total",
			Help: "Total number of channels created",
		}),
		channelsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channels_released_total",
			Help: "Total number of channels released",
		}),
		channelCreateFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channel_create_failures_total",
			Help: "Total number of failed channel constructions",
		}),
		channelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channels_active",
			Help: "Number of channels in the channel table",
		}),
		sendersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "senders_active",
			Help: "Number of channels receiving captured audio",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "packets_dropped_total",
			Help: "Total number of inbound packets dropped",
		}, []string{"kind"}),
		deviceInitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "device_init_failures_total",
			Help: "Total number of failed audio device initializations",
		}),
		dtmfEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "dtmf_events_total",
			Help: "Total number of DTMF send requests by result",
		}, []string{"result"}),
	}
}

func (c *Collector) ChannelCreated() {
	if c == nil {
		return
	}
	c.channelsCreated.Inc()
	c.channelsActive.Inc()
}

func (c *Collector) ChannelCreateFailed() {
	if c == nil {
		return
	}
	c.channelCreateFailed.Inc()
}

func (c *Collector) ChannelReleased() {
	if c == nil {
		return
	}
	c.channelsReleased.Inc()
	c.channelsActive.Dec()
}

// ChannelsClosed учитывает закрытие count каналов при остановке движка
func (c *Collector) ChannelsClosed(count int) {
	if c == nil || count == 0 {
		return
	}
	c.channelsReleased.Add(float64(count))
	c.channelsActive.Sub(float64(count))
}

func (c *Collector) SetSenders(count int) {
	if c == nil {
		return
	}
	c.sendersActive.Set(float64(count))
}

func (c *Collector) PacketDropped(kind string) {
	if c == nil {
		return
	}
	c.packetsDropped.WithLabelValues(kind).Inc()
}

func (c *Collector) DeviceInitFailed() {
	if c == nil {
		return
	}
	c.deviceInitFailures.Inc()
}

func (c *Collector) DTMF(result string) {
	if c == nil {
		return
	}
	c.dtmfEvents.WithLabelValues(result).Inc()
}
