// Package config загружает конфигурацию демона из YAML файла и переменных
// окружения с префиксом VOIP_.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения: VOIP_RTP_LOCAL_ADDR и т.д.
const EnvPrefix = "VOIP"

// Config конфигурация демона
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	DTMF       DTMFConfig       `mapstructure:"dtmf"`
	RTP        RTPConfig        `mapstructure:"rtp"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LogConfig параметры журнала
type LogConfig struct {
	Level      string   `mapstructure:"level"`
	Outputs    []string `mapstructure:"outputs"` // stdout, stderr, file
	File       string   `mapstructure:"file"`
	MaxSizeMB  int      `mapstructure:"max_size_mb"`
	MaxBackups int      `mapstructure:"max_backups"`
	MaxAgeDays int      `mapstructure:"max_age_days"`
	Compress   bool     `mapstructure:"compress"`
}

// AudioConfig параметры аудио устройства
type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	FrameMs    int `mapstructure:"frame_ms"`
}

// FrameDuration длительность периода устройства
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// DispatcherConfig параметры диспетчера
type DispatcherConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DTMFConfig параметры telephone-event
type DTMFConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	PayloadType int `mapstructure:"payload_type"`
	ClockRate   int `mapstructure:"clock_rate"`
}

// RTPConfig параметры медиа потока демонстрационного канала
type RTPConfig struct {
	LocalAddr      string        `mapstructure:"local_addr"`
	RemoteAddr     string        `mapstructure:"remote_addr"`
	RTCPMux        bool          `mapstructure:"rtcp_mux"`
	DSCP           int           `mapstructure:"dscp"`
	Codec          string        `mapstructure:"codec"`
	ClockRate      int           `mapstructure:"clock_rate"`
	PayloadType    int           `mapstructure:"payload_type"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	JitterBuffer   int           `mapstructure:"jitter_buffer"` // В пакетах
}

// MetricsConfig параметры HTTP endpoint метрик
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"` // Пустой - метрики не публикуются
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.outputs", []string{"stdout"})
	v.SetDefault("log.file", "voipd.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_ms", 10)

	v.SetDefault("dispatcher.interval", 10*time.Millisecond)

	v.SetDefault("dtmf.queue_size", 20)
	v.SetDefault("dtmf.payload_type", 101)
	v.SetDefault("dtmf.clock_rate", 8000)

	v.SetDefault("rtp.local_addr", "0.0.0.0:5004")
	v.SetDefault("rtp.remote_addr", "")
	v.SetDefault("rtp.rtcp_mux", false)
	v.SetDefault("rtp.dscp", 46)
	v.SetDefault("rtp.codec", "PCMU")
	v.SetDefault("rtp.clock_rate", 8000)
	v.SetDefault("rtp.payload_type", 0)
	v.SetDefault("rtp.report_interval", 5*time.Second)
	v.SetDefault("rtp.jitter_buffer", 10)

	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.namespace", "voip")
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		// Значения по умолчанию всегда декодируются
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	return cfg, nil
}

// Load читает конфигурацию. Пустой path означает поиск voipd.yaml в
// текущем каталоге, ./config и /etc/voipd; отсутствие файла не ошибка.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voipd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/voipd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("ошибка чтения конфигурации: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые невозможно применить
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: неизвестный уровень %q", c.Log.Level))
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: %d вне диапазона 8000-192000", c.Audio.SampleRate))
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels: поддерживается 1 или 2, получено %d", c.Audio.Channels))
	}
	if c.Audio.FrameMs <= 0 || c.Audio.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_ms: %d вне диапазона 1-100", c.Audio.FrameMs))
	}
	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.interval должен быть положительным"))
	}
	if c.DTMF.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("dtmf.queue_size должен быть положительным"))
	}
	if c.DTMF.PayloadType < 0 || c.DTMF.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("dtmf.payload_type: %d вне диапазона 0-127", c.DTMF.PayloadType))
	}
	if c.RTP.PayloadType < 0 || c.RTP.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("rtp.payload_type: %d вне диапазона 0-127", c.RTP.PayloadType))
	}
	if c.RTP.PayloadType == c.DTMF.PayloadType {
		errs = append(errs, fmt.Errorf("rtp.payload_type и dtmf.payload_type совпадают: %d", c.RTP.PayloadType))
	}
	if c.RTP.DSCP < 0 || c.RTP.DSCP > 63 {
		errs = append(errs, fmt.Errorf("rtp.dscp: %d вне диапазона 0-63", c.RTP.DSCP))
	}
	if c.RTP.LocalAddr == "" {
		errs = append(errs, fmt.Errorf("rtp.local_addr не задан"))
	}
	if c.RTP.Codec == "" || c.RTP.ClockRate <= 0 {
		errs = append(errs, fmt.Errorf("rtp.codec и rtp.clock_rate обязательны"))
	}

	return errors.Join(errs...)
}
