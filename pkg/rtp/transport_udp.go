package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/arzzra/voip_engine/pkg/voip"
)

// DSCP значения для QoS классификации трафика согласно RFC 4594
const (
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// VoiceSocketBuffer размер буферов сокета для голосового трафика
const VoiceSocketBuffer = 65535

// ErrTransportClosed транспорт закрыт
var ErrTransportClosed = errors.New("транспорт закрыт")

// PacketReceiver получатель датаграмм, принятых транспортом
type PacketReceiver interface {
	ReceivedRTPPacket(packet []byte)
	ReceivedRTCPPacket(packet []byte)
}

// ChannelReceiver направляет принятые пакеты в канал движка
func ChannelReceiver(network voip.Network, id voip.ChannelID) PacketReceiver {
	return channelReceiver{network: network, id: id}
}

type channelReceiver struct {
	network voip.Network
	id      voip.ChannelID
}

func (r channelReceiver) ReceivedRTPPacket(packet []byte)  { r.network.ReceivedRTPPacket(r.id, packet) }
func (r channelReceiver) ReceivedRTCPPacket(packet []byte) { r.network.ReceivedRTCPPacket(r.id, packet) }

// UDPTransportConfig конфигурация UDP транспорта
type UDPTransportConfig struct {
	LocalAddr  string // Адрес RTP сокета, RTCP на следующем порту
	RemoteAddr string // Адрес RTP удаленной стороны, пустой - узнать по первому пакету
	RTCPMux    bool   // RTP и RTCP на одном порту (RFC 5761)
	DSCP       int    // DSCP маркировка (0 = не устанавливать)
	BufferSize int    // Размер буфера чтения
	Logger     *slog.Logger
}

// DefaultUDPTransportConfig возвращает конфигурацию для локального звонка
func DefaultUDPTransportConfig() UDPTransportConfig {
	return UDPTransportConfig{
		LocalAddr:  "127.0.0.1:0",
		DSCP:       DSCPExpeditedForwarding,
		BufferSize: MaxRTPPacketSize,
	}
}

// UDPTransport пара UDP сокетов RTP/RTCP. Реализует voip.Transport для
// исходящих пакетов и передает входящие датаграммы PacketReceiver.
type UDPTransport struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn // nil при RTCPMux
	config   UDPTransportConfig
	logger   *slog.Logger

	mutex      sync.RWMutex
	remoteRTP  *net.UDPAddr
	remoteRTCP *net.UDPAddr
	closed     bool

	wg sync.WaitGroup
}

var _ voip.Transport = (*UDPTransport)(nil)

// NewUDPTransport открывает сокеты и применяет QoS настройки
func NewUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = MaxRTPPacketSize
	}
	if config.DSCP < 0 || config.DSCP > 63 {
		return nil, fmt.Errorf("DSCP должен быть в диапазоне 0-63, получен %d", config.DSCP)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	t := &UDPTransport{
		config: config,
		logger: logger.With(slog.String("component", "rtp_udp")),
	}

	t.rtpConn, err = openVoiceSocket(localAddr, config.DSCP)
	if err != nil {
		return nil, err
	}

	if !config.RTCPMux {
		rtpAddr := t.rtpConn.LocalAddr().(*net.UDPAddr)
		rtcpAddr := &net.UDPAddr{IP: rtpAddr.IP, Port: rtpAddr.Port + 1, Zone: rtpAddr.Zone}
		t.rtcpConn, err = openVoiceSocket(rtcpAddr, config.DSCP)
		if err != nil {
			t.rtpConn.Close()
			return nil, fmt.Errorf("RTCP порт %d: %w", rtcpAddr.Port, err)
		}
	}

	if config.RemoteAddr != "" {
		if err := t.SetRemoteAddr(config.RemoteAddr); err != nil {
			t.closeConns()
			return nil, err
		}
	}

	return t, nil
}

func openVoiceSocket(addr *net.UDPAddr, dscp int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка получения дескриптора сокета: %w", err)
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if sockErr = setSockOptBuffers(int(fd), VoiceSocketBuffer); sockErr != nil {
			return
		}
		if dscp > 0 {
			sockErr = setSockOptDSCP(int(fd), dscp)
		}
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}
	return conn, nil
}

// SetRemoteAddr задает адрес RTP удаленной стороны. RTCP ожидается на
// следующем порту, либо на том же при RTCPMux.
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.setRemoteLocked(remote)
	return nil
}

func (t *UDPTransport) setRemoteLocked(remote *net.UDPAddr) {
	t.remoteRTP = remote
	if t.config.RTCPMux {
		t.remoteRTCP = remote
	} else {
		t.remoteRTCP = &net.UDPAddr{IP: remote.IP, Port: remote.Port + 1, Zone: remote.Zone}
	}
}

// LocalAddr возвращает адрес RTP сокета
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.rtpConn.LocalAddr().(*net.UDPAddr)
}

// LocalRTCPAddr возвращает адрес RTCP сокета
func (t *UDPTransport) LocalRTCPAddr() *net.UDPAddr {
	if t.rtcpConn == nil {
		return t.LocalAddr()
	}
	return t.rtcpConn.LocalAddr().(*net.UDPAddr)
}

// SendRTP отправляет сериализованный RTP пакет
func (t *UDPTransport) SendRTP(packet []byte) error {
	if err := ValidatePacketSize(len(packet)); err != nil {
		return err
	}
	t.mutex.RLock()
	closed, remote := t.closed, t.remoteRTP
	t.mutex.RUnlock()
	return t.write(t.rtpConn, remote, closed, packet)
}

// SendRTCP отправляет сериализованный RTCP пакет
func (t *UDPTransport) SendRTCP(packet []byte) error {
	conn := t.rtcpConn
	if conn == nil {
		conn = t.rtpConn
	}
	t.mutex.RLock()
	closed, remote := t.closed, t.remoteRTCP
	t.mutex.RUnlock()
	return t.write(conn, remote, closed, packet)
}

func (t *UDPTransport) write(conn *net.UDPConn, remote *net.UDPAddr, closed bool, packet []byte) error {
	if closed {
		return ErrTransportClosed
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	if _, err := conn.WriteToUDP(packet, remote); err != nil {
		return fmt.Errorf("ошибка отправки UDP: %w", err)
	}
	return nil
}

// Start запускает циклы чтения сокетов. Без удаленного адреса транспорт
// запоминает источник первого RTP пакета (symmetric RTP).
func (t *UDPTransport) Start(receiver PacketReceiver) error {
	t.mutex.RLock()
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	t.wg.Add(1)
	go t.readLoop(t.rtpConn, receiver, t.config.RTCPMux)
	if t.rtcpConn != nil {
		t.wg.Add(1)
		go t.readLoop(t.rtcpConn, receiver, true)
	}
	return nil
}

func (t *UDPTransport) readLoop(conn *net.UDPConn, receiver PacketReceiver, rtcpAllowed bool) {
	defer t.wg.Done()

	rtcpOnly := conn == t.rtcpConn
	buf := make([]byte, t.config.BufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("ошибка чтения UDP", slog.String("error", err.Error()))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		switch {
		case rtcpOnly || (rtcpAllowed && IsRTCPPacket(data)):
			receiver.ReceivedRTCPPacket(data)
		default:
			t.learnRemote(from)
			receiver.ReceivedRTPPacket(data)
		}
	}
}

func (t *UDPTransport) learnRemote(from *net.UDPAddr) {
	t.mutex.RLock()
	known := t.remoteRTP != nil
	t.mutex.RUnlock()
	if known {
		return
	}

	t.mutex.Lock()
	if t.remoteRTP == nil {
		t.setRemoteLocked(from)
		t.logger.Info("удаленный адрес получен из входящего RTP", slog.String("remote", from.String()))
	}
	t.mutex.Unlock()
}

// Close закрывает сокеты и дожидается завершения циклов чтения
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	err := t.closeConns()
	t.wg.Wait()
	return err
}

func (t *UDPTransport) closeConns() error {
	err := t.rtpConn.Close()
	if t.rtcpConn != nil {
		if rtcpErr := t.rtcpConn.Close(); err == nil {
			err = rtcpErr
		}
	}
	return err
}
