package core

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/voip_engine/pkg/channel"
	"github.com/arzzra/voip_engine/pkg/codec"
	"github.com/arzzra/voip_engine/pkg/device"
	"github.com/arzzra/voip_engine/pkg/dispatcher"
	"github.com/arzzra/voip_engine/pkg/media"
	"github.com/arzzra/voip_engine/pkg/metrics"
	"github.com/arzzra/voip_engine/pkg/voip"
)

var pcmu = voip.NewFormat(codec.NamePCMU, 8000, 1)

// countingTransport считает отправленные пакеты канала
type countingTransport struct {
	mutex sync.Mutex
	rtp   [][]byte
	rtcp  [][]byte
}

func (t *countingTransport) SendRTP(packet []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.rtp = append(t.rtp, append([]byte(nil), packet...))
	return nil
}

func (t *countingTransport) SendRTCP(packet []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.rtcp = append(t.rtcp, append([]byte(nil), packet...))
	return nil
}

func (t *countingTransport) counts() (int, int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.rtp), len(t.rtcp)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inboundPacket(t *testing.T, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	p := pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, Timestamp: ts, SSRC: 0xBEEF},
		Payload: payload,
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	return data
}

// CoreSuite проверяет оркестратор на fake устройстве и ручном диспетчере
type CoreSuite struct {
	suite.Suite

	device     *device.Fake
	dispatcher *dispatcher.Manual
	registry   *prometheus.Registry
	core       *Core
}

func TestCoreSuite(t *testing.T) {
	suite.Run(t, new(CoreSuite))
}

func (s *CoreSuite) SetupTest() {
	s.device = device.NewFake()
	s.dispatcher = dispatcher.NewManual()
	s.registry = prometheus.NewRegistry()

	cfg := metrics.DefaultConfig()
	cfg.Registerer = s.registry

	core, err := New(Config{
		Device:     s.device,
		Dispatcher: s.dispatcher,
		Metrics:    metrics.New(cfg),
		Logger:     discardLogger(),
	})
	s.Require().NoError(err)
	s.core = core
}

func (s *CoreSuite) TearDownTest() {
	s.core.Close()
}

func (s *CoreSuite) create() (voip.ChannelID, *countingTransport) {
	transport := &countingTransport{}
	id, ok := s.core.CreateChannel(transport, nil)
	s.Require().True(ok)
	return id, transport
}

func (s *CoreSuite) assertMetric(name, expected string) {
	s.T().Helper()
	err := testutil.GatherAndCompare(s.registry, strings.NewReader(expected), name)
	s.NoError(err)
}

func (s *CoreSuite) TestEngineAccessorsReturnSameInstance() {
	s.Same(s.core, s.core.Base())
	s.Same(s.core, s.core.Network())
	s.Same(s.core, s.core.Codec())
	s.Same(s.core, s.core.Dtmf())
	s.Same(s.core, s.core.Statistics())
}

func (s *CoreSuite) TestChannelIDsAreMonotonicAndNeverReused() {
	a, _ := s.create()
	b, _ := s.create()
	c, _ := s.create()
	s.Equal([]voip.ChannelID{0, 1, 2}, []voip.ChannelID{a, b, c})

	s.core.ReleaseChannel(b)
	d, _ := s.create()
	s.Equal(voip.ChannelID(3), d)
}

func (s *CoreSuite) TestCreateThenReleaseLeavesTableEmpty() {
	id, _ := s.create()
	s.Equal(1, s.core.ChannelCount())

	s.core.ReleaseChannel(id)
	s.Equal(0, s.core.ChannelCount())

	next, _ := s.create()
	s.Equal(id+1, next)
}

func (s *CoreSuite) TestCreateFailsOnInvalidTransport() {
	_, ok := s.core.CreateChannel(nil, nil)
	s.False(ok)
	s.Equal(0, s.core.ChannelCount())

	s.assertMetric("voip_core_channel_create_failures_total", `
# HELP voip_core_channel_create_failures_total Total number of failed channel constructions
# TYPE voip_core_channel_create_failures_total counter
voip_core_channel_create_failures_total 1
`)
}

func (s *CoreSuite) TestUnknownIDNeverInitializesDevice() {
	s.False(s.core.StartSend(42))
	s.False(s.core.StartPlayout(42))
	s.Equal(0, s.device.InitCalls())
}

func (s *CoreSuite) TestOperationsOnUnknownOrReleasedID() {
	sender, _ := s.create()
	released, _ := s.create()
	s.Require().True(s.core.StartSend(sender))
	s.core.ReleaseChannel(released)

	for _, id := range []voip.ChannelID{released, 99} {
		s.False(s.core.StartSend(id))
		s.False(s.core.StopSend(id))
		s.False(s.core.StartPlayout(id))
		s.False(s.core.StopPlayout(id))
		s.False(s.core.SendDtmfEvent(id, voip.DtmfEvent(1), 100))

		stats, ok := s.core.GetIngressStatistics(id)
		s.False(ok)
		s.Equal(voip.IngressStatistics{}, stats)

		s.core.SetSendCodec(id, 0, pcmu)
		s.core.SetReceiveCodecs(id, map[int]voip.Format{0: pcmu})
		s.core.RegisterTelephoneEventType(id, 101, 8000)
		s.core.ReceivedRTPPacket(id, []byte{0x80, 0x00})
		s.core.ReceivedRTCPPacket(id, []byte{0x80, 0xC8})
		s.core.ReleaseChannel(id)
	}

	s.Equal(1, s.core.ChannelCount())
	s.Equal([]voip.ChannelID{sender}, s.core.Senders())
}

func (s *CoreSuite) TestSenderSetTracksSendTransitions() {
	a, _ := s.create()
	b, _ := s.create()

	s.Require().True(s.core.StartSend(a))
	s.Require().True(s.core.StartSend(b))
	s.Equal([]voip.ChannelID{a, b}, s.core.Senders())
	s.True(s.device.Recording())

	s.Require().True(s.core.StopSend(a))
	s.Equal([]voip.ChannelID{b}, s.core.Senders())
	s.True(s.device.Recording())

	s.Require().True(s.core.StopSend(b))
	s.Empty(s.core.Senders())
	s.False(s.device.Recording(), "захват останавливается с последним отправителем")

	s.assertMetric("voip_core_senders_active", `
# HELP voip_core_senders_active Number of channels receiving captured audio
# TYPE voip_core_senders_active gauge
voip_core_senders_active 0
`)
}

func (s *CoreSuite) TestReleaseSendingChannelRemovesSender() {
	a, transport := s.create()
	s.core.SetSendCodec(a, 0, pcmu)
	s.Require().True(s.core.StartSend(a))
	s.Require().True(s.device.PushCapture(media.NewSilentFrame(48000, 960, 1)))

	s.core.ReleaseChannel(a)
	s.Empty(s.core.Senders())
	s.False(s.device.Recording())

	rtpCount, rtcpCount := transport.counts()
	s.Equal(1, rtpCount)
	s.Equal(1, rtcpCount, "освобождение отправляющего канала отправляет BYE")
}

func (s *CoreSuite) TestDeviceInitFailureIsRetried() {
	id, _ := s.create()
	s.device.SetInitError(errors.New("доступ к микрофону запрещен"))

	s.False(s.core.StartSend(id))
	ch, ok := s.core.lookup(id)
	s.Require().True(ok)
	s.False(ch.IsSending(), "состояние канала не меняется")
	s.Empty(s.core.Senders())
	s.Equal(1, s.device.InitCalls())

	s.False(s.core.StartPlayout(id))
	s.Equal(2, s.device.InitCalls())

	s.device.SetInitError(nil)
	s.True(s.core.StartSend(id))
	s.True(ch.IsSending())
	s.Equal([]voip.ChannelID{id}, s.core.Senders())
	s.Equal(3, s.device.InitCalls())

	other, _ := s.create()
	s.True(s.core.StartSend(other))
	s.Equal(3, s.device.InitCalls(), "успешная инициализация не повторяется")

	s.assertMetric("voip_core_device_init_failures_total", `
# HELP voip_core_device_init_failures_total Total number of failed audio device initializations
# TYPE voip_core_device_init_failures_total counter
voip_core_device_init_failures_total 2
`)
}

func (s *CoreSuite) TestSelectFailureTerminatesDevice() {
	id, _ := s.create()
	s.device.SelectErr = errors.New("нет устройства")

	s.False(s.core.StartSend(id))
	s.False(s.device.Initialized())
	s.Contains(s.device.Events(), "terminate")
}

func (s *CoreSuite) TestSendDtmfRequiresSending() {
	id, _ := s.create()
	s.core.SetSendCodec(id, 0, pcmu)
	s.core.RegisterTelephoneEventType(id, 101, 8000)

	s.False(s.core.SendDtmfEvent(id, voip.DtmfEvent(5), 100))

	s.Require().True(s.core.StartSend(id))
	s.True(s.core.SendDtmfEvent(id, voip.DtmfEvent(5), 100))

	s.Require().True(s.core.StopSend(id))
	s.False(s.core.SendDtmfEvent(id, voip.DtmfEvent(5), 100))
}

func (s *CoreSuite) TestSendDtmfFailsWhenQueueFull() {
	id, _ := s.create()
	s.core.RegisterTelephoneEventType(id, 101, 8000)
	s.Require().True(s.core.StartSend(id))

	for i := 0; i < media.DTMFDefaultQueueSize; i++ {
		s.Require().True(s.core.SendDtmfEvent(id, voip.DtmfEvent(i%10), 100), "событие %d", i)
	}
	s.False(s.core.SendDtmfEvent(id, voip.DtmfEvent(1), 100))
}

func (s *CoreSuite) TestSendDtmfWithoutTelephoneEventType() {
	id, _ := s.create()
	s.Require().True(s.core.StartSend(id))
	s.False(s.core.SendDtmfEvent(id, voip.DtmfEvent(1), 100))
}

func (s *CoreSuite) TestReceivedRTPOnUnknownIDIsNoop() {
	a, _ := s.create()
	s.Require().True(s.core.StartSend(a))

	s.NotPanics(func() {
		s.core.ReceivedRTPPacket(42, inboundPacket(s.T(), 1, 0, make([]byte, 160)))
	})
	s.Equal(1, s.core.ChannelCount())
	s.Equal([]voip.ChannelID{a}, s.core.Senders())

	s.assertMetric("voip_core_packets_dropped_total", `
# HELP voip_core_packets_dropped_total Total number of inbound packets dropped
# TYPE voip_core_packets_dropped_total counter
voip_core_packets_dropped_total{kind="unknown_channel"} 1
`)
}

func (s *CoreSuite) TestIngressStatisticsZeroBaseline() {
	id, _ := s.create()
	stats, ok := s.core.GetIngressStatistics(id)
	s.True(ok)
	s.Equal(voip.IngressStatistics{}, stats)
}

func (s *CoreSuite) TestIngressStatisticsCountsPackets() {
	id, _ := s.create()
	s.core.SetReceiveCodecs(id, map[int]voip.Format{0: pcmu})
	s.core.ReceivedRTPPacket(id, inboundPacket(s.T(), 10, 0, make([]byte, 160)))
	s.core.ReceivedRTPPacket(id, inboundPacket(s.T(), 11, 160, make([]byte, 160)))

	stats, ok := s.core.GetIngressStatistics(id)
	s.True(ok)
	s.Equal(uint64(2), stats.PacketsReceived)
	s.Equal(uint64(320), stats.BytesReceived)
}

func (s *CoreSuite) TestCaptureFansOutToSenders() {
	a, ta := s.create()
	b, tb := s.create()
	c, tc := s.create()
	for _, id := range []voip.ChannelID{a, b, c} {
		s.core.SetSendCodec(id, 0, pcmu)
	}
	s.Require().True(s.core.StartSend(a))
	s.Require().True(s.core.StartSend(b))

	s.Require().True(s.device.PushCapture(media.NewSilentFrame(48000, 960, 1)))

	for _, tr := range []*countingTransport{ta, tb} {
		n, _ := tr.counts()
		s.Equal(1, n)
	}
	n, _ := tc.counts()
	s.Zero(n, "канал без отправки не получает захват")
}

func (s *CoreSuite) TestPlayoutRendersMixedAudio() {
	id, _ := s.create()
	s.core.SetReceiveCodecs(id, map[int]voip.Format{0: pcmu})
	s.Require().True(s.core.StartPlayout(id))
	s.True(s.device.Playing())

	enc, err := codec.NewBuiltinFactory().MakeEncoder(0, pcmu)
	s.Require().NoError(err)
	tone := make([]int16, 160)
	for i := range tone {
		tone[i] = 4000
	}
	payload, err := enc.Encode(tone)
	s.Require().NoError(err)

	s.core.ReceivedRTPPacket(id, inboundPacket(s.T(), 1, 0, payload))
	s.core.ReceivedRTPPacket(id, inboundPacket(s.T(), 2, 160, payload))

	frame, ok := s.device.PullRender(8000, 160)
	s.Require().True(ok)
	s.False(frame.IsSilent())

	s.Require().True(s.core.StopPlayout(id))
	frame, ok = s.device.PullRender(8000, 160)
	s.Require().True(ok, "устройство продолжает воспроизведение")
	s.True(frame.IsSilent())
}

func (s *CoreSuite) TestPlayoutDeviceFailureRejectsTransition() {
	id, _ := s.create()
	s.device.StartErr = errors.New("устройство занято")

	s.False(s.core.StartPlayout(id))
	ch, ok := s.core.lookup(id)
	s.Require().True(ok)
	s.Equal(channel.StateIdle, ch.(*channel.AudioChannel).State())
}

func (s *CoreSuite) TestPlayoutFailureKeepsPlayingChannel() {
	id, _ := s.create()
	s.Require().True(s.core.StartPlayout(id))

	// Воспроизведение устройства остановилось вне оркестратора
	s.Require().NoError(s.device.StopPlayout())
	s.device.StartErr = errors.New("устройство занято")

	s.False(s.core.StartPlayout(id))
	ch, ok := s.core.lookup(id)
	s.Require().True(ok)
	s.Equal(channel.StatePlaying, ch.(*channel.AudioChannel).State(), "канал играл до вызова")
}

func (s *CoreSuite) TestCaptureFailureRejectsSend() {
	id, _ := s.create()
	s.device.StartErr = errors.New("микрофон занят")

	s.False(s.core.StartSend(id))
	ch, ok := s.core.lookup(id)
	s.Require().True(ok)
	s.Equal(channel.StateIdle, ch.(*channel.AudioChannel).State())
	s.Empty(s.core.Senders())
	s.False(s.device.Recording())
	s.assertMetric("voip_core_senders_active", `
# HELP voip_core_senders_active Number of channels receiving captured audio
# TYPE voip_core_senders_active gauge
voip_core_senders_active 0
`)

	s.device.StartErr = nil
	s.True(s.core.StartSend(id))
	s.True(s.device.Recording())
	s.Equal([]voip.ChannelID{id}, s.core.Senders())
}

func (s *CoreSuite) TestCaptureFailureKeepsSendingChannel() {
	id, _ := s.create()
	s.Require().True(s.core.StartSend(id))

	// Захват остановился вне оркестратора, канал уже отправляет
	s.Require().NoError(s.device.StopRecording())
	s.device.StartErr = errors.New("микрофон занят")

	s.False(s.core.StartSend(id))
	ch, ok := s.core.lookup(id)
	s.Require().True(ok)
	s.Equal(channel.StateSending, ch.(*channel.AudioChannel).State())
	s.Equal([]voip.ChannelID{id}, s.core.Senders())
}

func (s *CoreSuite) TestDispatcherTickDrivesRTCP() {
	id, transport := s.create()
	s.core.SetSendCodec(id, 0, pcmu)
	s.Require().True(s.core.StartSend(id))
	s.Require().True(s.device.PushCapture(media.NewSilentFrame(48000, 960, 1)))

	s.True(s.dispatcher.Tick(time.Now()))
	_, rtcpCount := transport.counts()
	s.Equal(1, rtcpCount)
}

func (s *CoreSuite) TestConcurrentCreateProducesDistinctIDs() {
	const goroutines, perGoroutine = 8, 50

	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
		ids   = make(map[voip.ChannelID]struct{})
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id, ok := s.core.CreateChannel(&countingTransport{}, nil)
				if !ok {
					continue
				}
				mutex.Lock()
				ids[id] = struct{}{}
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(ids, goroutines*perGoroutine)
	s.Equal(goroutines*perGoroutine, s.core.ChannelCount())
}

func (s *CoreSuite) TestConcurrentSendTransitions() {
	ids := make([]voip.ChannelID, 6)
	for i := range ids {
		ids[i], _ = s.create()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id voip.ChannelID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.core.StartSend(id)
				s.core.StopSend(id)
			}
			s.core.StartSend(id)
		}(id)
	}
	wg.Wait()

	s.Equal(ids, s.core.Senders())
	s.True(s.device.Recording())
}

func (s *CoreSuite) TestCloseIsFinal() {
	id, _ := s.create()
	s.Require().True(s.core.StartSend(id))

	s.core.Close()
	s.core.Close()

	s.True(s.dispatcher.Stopped())
	s.False(s.device.Initialized())
	s.Equal(0, s.core.ChannelCount())
	s.Empty(s.core.Senders())

	_, ok := s.core.CreateChannel(&countingTransport{}, nil)
	s.False(ok)
	s.False(s.core.StartSend(id))
	_, ok = s.core.GetIngressStatistics(id)
	s.False(ok)
}

// closeRecorder отмечает момент закрытия канала
type closeRecorder struct {
	*channel.AudioChannel
	onClose func()
}

func (r closeRecorder) Close() {
	r.onClose()
	r.AudioChannel.Close()
}

func TestCloseTeardownOrder(t *testing.T) {
	var (
		mutex sync.Mutex
		log   []string
	)
	record := func(event string) {
		mutex.Lock()
		log = append(log, event)
		mutex.Unlock()
	}

	fake := device.NewFake()
	fake.OnEvent(func(event string) { record("device:" + event) })
	manual := dispatcher.NewManual()
	manual.OnStop(func() { record("dispatcher:stop") })

	core, err := New(Config{
		Device:     fake,
		Dispatcher: manual,
		Logger:     discardLogger(),
		NewChannel: func(id voip.ChannelID, transport voip.Transport, localSSRC *uint32) (Channel, error) {
			ch, err := channel.New(channel.Config{ID: id, Transport: transport, LocalSSRC: localSSRC})
			if err != nil {
				return nil, err
			}
			return closeRecorder{AudioChannel: ch, onClose: func() { record("channel:close") }}, nil
		},
	})
	require.NoError(t, err)

	a, ok := core.CreateChannel(&countingTransport{}, nil)
	require.True(t, ok)
	b, ok := core.CreateChannel(&countingTransport{}, nil)
	require.True(t, ok)
	require.True(t, core.StartSend(a))
	require.True(t, core.StartPlayout(b))

	mutex.Lock()
	log = nil
	mutex.Unlock()

	core.Close()

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{
		"dispatcher:stop",
		"channel:close",
		"channel:close",
		"device:stop_recording",
		"device:stop_playout",
		"device:terminate",
	}, log)
}

func TestNewRequiresDevice(t *testing.T) {
	_, err := New(Config{Dispatcher: dispatcher.NewManual()})
	require.Error(t, err)
	assert.ErrorIs(t, err, voip.ErrInvalidArgument)
}

func TestNewFailsWhenDispatcherCannotStart(t *testing.T) {
	manual := dispatcher.NewManual()
	manual.Stop()

	_, err := New(Config{Device: device.NewFake(), Dispatcher: manual})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatcher.ErrStopped)
}

// syncBuffer буфер журнала для записи из нескольких горутин
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

// panickingChannel канал, обработка такта которого паникует
type panickingChannel struct {
	Channel
}

func (panickingChannel) Process(time.Time) { panic("сбой обработки") }

func TestComponentsLogThroughConfiguredLogger(t *testing.T) {
	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := New(Config{
		Device:             device.NewFake(),
		DispatcherInterval: time.Millisecond,
		NewChannel: func(id voip.ChannelID, transport voip.Transport, localSSRC *uint32) (Channel, error) {
			ch, err := channel.New(channel.Config{ID: id, Transport: transport, LocalSSRC: localSSRC, Logger: log})
			if err != nil {
				return nil, err
			}
			return panickingChannel{ch}, nil
		},
		Logger: log,
	})
	require.NoError(t, err)
	defer c.Close()

	id, ok := c.CreateChannel(&countingTransport{}, nil)
	require.True(t, ok)
	require.True(t, c.StartSend(id))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "component=dispatcher")
	}, time.Second, 5*time.Millisecond, "паника такта попадает в журнал оркестратора")
	assert.Contains(t, out.String(), "component=audio_transport")
	assert.Contains(t, out.String(), "component=voip_core")
}
