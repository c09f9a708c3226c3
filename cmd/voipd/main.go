// voipd демонстрационный демон: один аудио канал между локальным
// устройством и удаленной RTP стороной.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/voip_engine/internal/config"
	"github.com/arzzra/voip_engine/internal/logger"
	"github.com/arzzra/voip_engine/pkg/channel"
	"github.com/arzzra/voip_engine/pkg/codec"
	"github.com/arzzra/voip_engine/pkg/device"
	"github.com/arzzra/voip_engine/pkg/media"
	"github.com/arzzra/voip_engine/pkg/metrics"
	"github.com/arzzra/voip_engine/pkg/rtp"
	"github.com/arzzra/voip_engine/pkg/voip"
	"github.com/arzzra/voip_engine/pkg/voip/core"
)

func main() {
	var (
		configPath = flag.String("config", "", "Путь к файлу конфигурации (YAML)")
		remote     = flag.String("remote", "", "Адрес RTP удаленной стороны, переопределяет rtp.remote_addr")
		debug      = flag.Bool("debug", false, "Журнал уровня debug в stdout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voipd: %v\n", err)
		os.Exit(1)
	}
	if *remote != "" {
		cfg.RTP.RemoteAddr = *remote
	}
	if *debug {
		cfg.Log.Level = "debug"
		cfg.Log.Outputs = []string{"stdout"}
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Outputs:    cfg.Log.Outputs,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voipd: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	slog.SetDefault(log.Logger)

	if err := run(cfg, log.Logger); err != nil {
		log.Error("демон завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Namespace = cfg.Metrics.Namespace
	metricsCfg.Registerer = registry

	server := startMetricsServer(cfg.Metrics.Addr, registry, log)

	factory := codec.NewBuiltinFactory()
	engine, err := core.New(core.Config{
		EncoderFactory: factory,
		DecoderFactory: factory,
		Device: device.NewMalgo(device.Config{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: cfg.Audio.FrameDuration(),
		}, log),
		DispatcherInterval: cfg.Dispatcher.Interval,
		Channel: channel.Config{
			DTMFQueueSize:  cfg.DTMF.QueueSize,
			JitterBuffer:   media.JitterBufferConfig{BufferSize: cfg.RTP.JitterBuffer},
			ReportInterval: cfg.RTP.ReportInterval,
		},
		Metrics: metrics.New(metricsCfg),
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("создание движка: %w", err)
	}
	defer engine.Close()

	transport, err := rtp.NewUDPTransport(rtp.UDPTransportConfig{
		LocalAddr:  cfg.RTP.LocalAddr,
		RemoteAddr: cfg.RTP.RemoteAddr,
		RTCPMux:    cfg.RTP.RTCPMux,
		DSCP:       cfg.RTP.DSCP,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("создание транспорта: %w", err)
	}
	defer transport.Close()

	id, ok := engine.Base().CreateChannel(transport, nil)
	if !ok {
		return errors.New("не удалось создать канал")
	}

	format := voip.NewFormat(cfg.RTP.Codec, cfg.RTP.ClockRate, 1)
	engine.Codec().SetSendCodec(id, cfg.RTP.PayloadType, format)
	engine.Codec().SetReceiveCodecs(id, map[int]voip.Format{
		cfg.RTP.PayloadType:  format,
		cfg.DTMF.PayloadType: voip.NewFormat(codec.NameTelEvent, cfg.DTMF.ClockRate, 1),
	})
	engine.Dtmf().RegisterTelephoneEventType(id, cfg.DTMF.PayloadType, cfg.DTMF.ClockRate)

	if err := transport.Start(rtp.ChannelReceiver(engine.Network(), id)); err != nil {
		return fmt.Errorf("запуск транспорта: %w", err)
	}

	if !engine.Base().StartPlayout(id) {
		return errors.New("не удалось запустить воспроизведение")
	}
	if !engine.Base().StartSend(id) {
		return errors.New("не удалось запустить отправку")
	}

	log.Info("канал запущен",
		slog.Int("channel_id", int(id)),
		slog.String("local", transport.LocalAddr().String()),
		slog.String("remote", cfg.RTP.RemoteAddr),
		slog.String("codec", format.String()))

	<-ctx.Done()
	log.Info("получен сигнал завершения")

	if stats, ok := engine.Statistics().GetIngressStatistics(id); ok {
		log.Info("статистика приема",
			slog.Uint64("packets", stats.PacketsReceived),
			slog.Int64("lost", stats.PacketsLost),
			slog.Duration("jitter", stats.Jitter))
	}

	engine.Base().ReleaseChannel(id)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}

func startMetricsServer(addr string, registry *prometheus.Registry, log *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ошибка HTTP сервера метрик", slog.String("error", err.Error()))
		}
	}()
	log.Info("метрики доступны", slog.String("addr", addr), slog.String("path", "/metrics"))
	return server
}
