// Package voip определяет публичный API голосового движка.
//
// Пакет содержит только типы и интерфейсы, которыми пользуется приложение:
//   - ChannelID: непрозрачный идентификатор канала (звонка)
//   - Format: описание аудио формата (имя, clock rate, каналы, параметры)
//   - DtmfEvent: коды telephone-event согласно RFC 4733
//   - IngressStatistics: снимок статистики приема канала
//   - Base, Network, Codec, Dtmf, Statistics: группы возможностей движка
//
// Реализация движка находится в пакете core.
package voip

import (
	"fmt"
	"strings"
	"time"
)

// ChannelID идентификатор канала. Уникален в рамках одного экземпляра движка
// и никогда не переиспользуется, даже после освобождения канала.
type ChannelID int

// MinPayloadType и MaxPayloadType границы динамического и статического
// диапазона RTP payload type согласно RFC 3551.
const (
	MinPayloadType = 0
	MaxPayloadType = 127
)

// ValidPayloadType проверяет, что payload type помещается в 7 бит RTP заголовка
func ValidPayloadType(pt int) bool {
	return pt >= MinPayloadType && pt <= MaxPayloadType
}

// Format описывает аудио формат в терминах SDP (rtpmap + fmtp)
type Format struct {
	Name        string            // Имя кодека (PCMU, PCMA, L16, telephone-event)
	ClockRate   int               // Частота тактирования RTP (Hz)
	NumChannels int               // Количество аудио каналов
	Parameters  map[string]string // Параметры fmtp
}

// NewFormat создает формат без дополнительных параметров
func NewFormat(name string, clockRate, numChannels int) Format {
	return Format{
		Name:        name,
		ClockRate:   clockRate,
		NumChannels: numChannels,
	}
}

// Matches сравнивает форматы без учета регистра имени и параметров
func (f Format) Matches(other Format) bool {
	return strings.EqualFold(f.Name, other.Name) &&
		f.ClockRate == other.ClockRate &&
		f.channels() == other.channels()
}

func (f Format) channels() int {
	if f.NumChannels <= 0 {
		return 1
	}
	return f.NumChannels
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Name, f.ClockRate, f.channels())
}

// DtmfEvent код telephone-event согласно RFC 4733 Section 3.2
type DtmfEvent uint8

const (
	DtmfDigitZero DtmfEvent = iota
	DtmfDigitOne
	DtmfDigitTwo
	DtmfDigitThree
	DtmfDigitFour
	DtmfDigitFive
	DtmfDigitSix
	DtmfDigitSeven
	DtmfDigitEight
	DtmfDigitNine
	DtmfDigitStar
	DtmfDigitPound
	DtmfDigitA
	DtmfDigitB
	DtmfDigitC
	DtmfDigitD
	DtmfFlash
)

// Valid проверяет, что событие входит в поддерживаемый набор (0-16)
func (e DtmfEvent) Valid() bool {
	return e <= DtmfFlash
}

func (e DtmfEvent) String() string {
	switch {
	case e <= DtmfDigitNine:
		return string(rune('0' + e))
	case e == DtmfDigitStar:
		return "*"
	case e == DtmfDigitPound:
		return "#"
	case e >= DtmfDigitA && e <= DtmfDigitD:
		return string(rune('A' + e - DtmfDigitA))
	case e == DtmfFlash:
		return "flash"
	default:
		return "?"
	}
}

// IngressStatistics снимок статистики приема канала.
// Для канала, который еще не получил ни одного пакета, все поля нулевые.
type IngressStatistics struct {
	PacketsReceived    uint64        // Принято RTP пакетов
	BytesReceived      uint64        // Принято байт payload
	PacketsLost        int64         // Кумулятивные потери (RFC 3550 A.3)
	FractionLost       float64       // Доля потерь с прошлого отчета (0.0-1.0)
	Jitter             time.Duration // Interarrival jitter (RFC 3550 A.8)
	PacketsDiscarded   uint64        // Отброшено: неизвестный payload type, переполнение буфера
	TelephoneEvents    uint64        // Принято DTMF событий
	DecodedDuration    time.Duration // Суммарная длительность декодированного аудио
	LastPacketReceived time.Time     // Время последнего пакета
}
