package channel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/voip_engine/pkg/rtp"
)

// reports расписание исходящих RTCP отчетов
type reports struct {
	mutex      sync.Mutex
	interval   time.Duration
	lastReport time.Time
}

// due проверяет, пора ли отправлять отчет, и фиксирует время отправки
func (r *reports) due(now time.Time) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.lastReport.IsZero() && now.Sub(r.lastReport) < r.interval {
		return false
	}
	r.lastReport = now
	return true
}

// Process вызывается диспетчером. Раз в интервал отправляет составной
// RTCP пакет: SR если канал отправляет, иначе RR, и SDES с CNAME.
func (c *AudioChannel) Process(now time.Time) {
	if c.closed.Load() {
		return
	}
	sending := c.sending.Load()
	if !sending && !c.ingress.stats.HasData() {
		return
	}
	if !c.reports.due(now) {
		return
	}

	data, err := rtcp.Marshal([]rtcp.Packet{
		c.buildReport(now, sending),
		rtcp.NewCNAMESourceDescription(c.ssrc, c.cname),
	})
	if err != nil {
		c.logger.Debug("ошибка сериализации RTCP", slog.String("error", err.Error()))
		return
	}
	if err := c.transport.SendRTCP(data); err != nil {
		c.logger.Debug("ошибка отправки RTCP", slog.String("error", err.Error()))
	}
}

func (c *AudioChannel) buildReport(now time.Time, sending bool) rtcp.Packet {
	var blocks []rtcp.ReceptionReport
	if block, ok := c.ingress.stats.ReportBlock(now); ok {
		blocks = append(blocks, block)
	}

	info := c.egress.senderInfo()
	if !sending || !info.active {
		return &rtcp.ReceiverReport{SSRC: c.ssrc, Reports: blocks}
	}

	// RTP timestamp SR соответствует моменту now на часах отправителя
	rtpTimestamp := info.rtpTimestamp
	if info.clockRate > 0 && !info.lastSend.IsZero() {
		elapsed := now.Sub(info.lastSend)
		if elapsed > 0 {
			rtpTimestamp += uint32(int64(elapsed) * int64(info.clockRate) / int64(time.Second))
		}
	}
	return &rtcp.SenderReport{
		SSRC:        c.ssrc,
		NTPTime:     rtp.NTPTimestamp(now),
		RTPTime:     rtpTimestamp,
		PacketCount: info.packets,
		OctetCount:  info.octets,
		Reports:     blocks,
	}
}

// ReceivedRTCPPacket обрабатывает входящий составной RTCP пакет
func (c *AudioChannel) ReceivedRTCPPacket(data []byte) {
	if c.closed.Load() {
		return
	}
	packets, err := rtp.ParseCompound(data)
	if err != nil {
		c.logger.Debug("некорректный RTCP пакет", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.SenderReport:
			c.ingress.stats.OnSenderReport(p.NTPTime, now)
		case *rtcp.Goodbye:
			c.ingress.markRemoteGone()
			c.logger.Info("удаленная сторона отправила BYE", slog.String("reason", p.Reason))
		}
	}
}

// RemoteGone проверяет, получен ли BYE от удаленной стороны с момента
// последнего входящего RTP
func (c *AudioChannel) RemoteGone() bool {
	c.ingress.mutex.Lock()
	defer c.ingress.mutex.Unlock()
	return c.ingress.remoteGone
}

func (in *ingress) markRemoteGone() {
	in.mutex.Lock()
	in.remoteGone = true
	in.mutex.Unlock()
}

func (c *AudioChannel) sendBye() {
	data, err := rtcp.Marshal([]rtcp.Packet{
		c.buildReport(time.Now(), true),
		rtcp.NewCNAMESourceDescription(c.ssrc, c.cname),
		&rtcp.Goodbye{Sources: []uint32{c.ssrc}},
	})
	if err != nil {
		return
	}
	if err := c.transport.SendRTCP(data); err != nil {
		c.logger.Debug("ошибка отправки BYE", slog.String("error", err.Error()))
	}
}
