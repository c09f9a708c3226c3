// Package rtp содержит вспомогательные средства RTP/RTCP уровня движка:
//   - RTCP пакеты SR, RR, SDES, BYE и составные пакеты (RFC 3550 Section 6)
//   - статистику приема по RFC 3550 Appendix A
//   - валидацию входящих пакетов
//   - UDP транспорт с парой портов RTP/RTCP и QoS маркировкой
//
// Сам RTP заголовок разбирается и сериализуется библиотекой pion/rtp.
package rtp

import "time"

// Статические payload types согласно RFC 3551
const (
	PayloadTypePCMU     = 0
	PayloadTypePCMA     = 8
	PayloadTypeL16Mono  = 11
	PayloadTypeL16Dual  = 10
	PayloadTypeDynamic  = 96 // Начало динамического диапазона
	PayloadTypeTelEvent = 101
)

// DefaultPtime длительность аудио в одном RTP пакете
const DefaultPtime = 20 * time.Millisecond

// DefaultReportInterval минимальный интервал RTCP отчетов (RFC 3550 Section 6.2)
const DefaultReportInterval = 5 * time.Second

// SamplesPerFrame возвращает количество отсчетов на канал для кадра длительностью ptime
func SamplesPerFrame(clockRate int, ptime time.Duration) int {
	if clockRate <= 0 || ptime <= 0 {
		return 0
	}
	return int(int64(clockRate) * int64(ptime) / int64(time.Second))
}
