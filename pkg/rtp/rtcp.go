package rtp

import (
	"fmt"

	"github.com/pion/rtcp"
)

// Наибольшее значение поля cumulative lost (24 бита со знаком)
const maxTotalLost = 0x7FFFFF

// NewReceptionReport строит RR блок pion/rtcp из счетчиков приема.
// Отрицательные потери (дубликаты) передаются как ноль.
func NewReceptionReport(ssrc uint32, fractionLost uint8, cumulativeLost int64, highestSeq, jitter, lastSR, delaySinceLastSR uint32) rtcp.ReceptionReport {
	lost := cumulativeLost
	if lost < 0 {
		lost = 0
	}
	if lost > maxTotalLost {
		lost = maxTotalLost
	}
	return rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fractionLost,
		TotalLost:          uint32(lost),
		LastSequenceNumber: highestSeq,
		Jitter:             jitter,
		LastSenderReport:   lastSR,
		Delay:              delaySinceLastSR,
	}
}

// ParseCompound разбирает составной RTCP пакет (RFC 3550 Section 6.1).
// Первый пакет должен быть SR или RR.
func ParseCompound(data []byte) ([]rtcp.Packet, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора RTCP: %w", err)
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("пустой RTCP пакет")
	}
	switch packets[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return nil, fmt.Errorf("составной RTCP должен начинаться с SR или RR, получен %T", packets[0])
	}
	return packets, nil
}

// CNAME возвращает CNAME первого источника SDES пакета
func CNAME(sdes *rtcp.SourceDescription) (string, bool) {
	for _, chunk := range sdes.Chunks {
		for _, item := range chunk.Items {
			if item.Type == rtcp.SDESCNAME {
				return item.Text, true
			}
		}
	}
	return "", false
}
