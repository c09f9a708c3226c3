package rtp

import "time"

// Смещение эпохи NTP (1900) относительно эпохи Unix (1970) в секундах
const ntpEpochOffset = 2208988800

// NTPTimestamp конвертирует время в 64-битный NTP timestamp
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// NTPTimestampToTime конвертирует NTP timestamp в time.Time
func NTPTimestampToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nanos := int64((ntp & 0xFFFFFFFF) * uint64(time.Second) >> 32)
	return time.Unix(secs, nanos)
}

// MiddleNTP возвращает средние 32 бита NTP timestamp (поле LSR в reception report)
func MiddleNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// DurationToNTPShort переводит длительность в единицы 1/65536 секунды (поле DLSR)
func DurationToNTPShort(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(int64(d) * 65536 / int64(time.Second))
}
