package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

// Ограничения размеров пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize   = 1500 // Максимальный размер (MTU limit)
	MinRTCPPacketSize  = 8    // Заголовок RTCP + SSRC
	ExpectedRTPVersion = 2
)

// ValidatePacketSize проверяет размер датаграммы
func ValidatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// ValidateRTPHeader проверяет заголовок после разбора pion/rtp
func ValidateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d", header.Version)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("недопустимый payload type: %d", header.PayloadType)
	}
	// Payload types 72-76 конфликтуют с RTCP SR/RR при мультиплексировании (RFC 5761)
	if header.PayloadType >= 72 && header.PayloadType <= 76 {
		return fmt.Errorf("payload type %d зарезервирован для RTCP", header.PayloadType)
	}
	if len(header.CSRC) > 15 {
		return fmt.Errorf("слишком много CSRC: %d", len(header.CSRC))
	}
	return nil
}

// ParseRTPPacket разбирает и валидирует RTP пакет
func ParseRTPPacket(data []byte) (*rtp.Packet, error) {
	if err := ValidatePacketSize(len(data)); err != nil {
		return nil, err
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	if err := ValidateRTPHeader(&packet.Header); err != nil {
		return nil, err
	}
	return packet, nil
}

// IsRTCPPacket различает RTP и RTCP в одном потоке (RFC 5761 Section 4)
func IsRTCPPacket(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	version := (data[0] >> 6) & 0x03
	packetType := data[1]
	return version == 2 && packetType >= 192 && packetType <= 223
}
