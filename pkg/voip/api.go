package voip

// Transport интерфейс исходящего транспорта канала.
// Реализуется приложением и передается при создании канала; канал
// отдает через него уже сериализованные RTP и RTCP пакеты.
type Transport interface {
	SendRTP(packet []byte) error
	SendRTCP(packet []byte) error
}

// Base управление жизненным циклом каналов и направлениями медиа
type Base interface {
	// CreateChannel создает канал, связанный с transport. localSSRC
	// опционален: nil означает случайный SSRC. Возвращает false только
	// если канал не удалось сконструировать.
	CreateChannel(transport Transport, localSSRC *uint32) (ChannelID, bool)

	// ReleaseChannel освобождает канал. Неизвестный id игнорируется.
	ReleaseChannel(id ChannelID)

	StartSend(id ChannelID) bool
	StopSend(id ChannelID) bool
	StartPlayout(id ChannelID) bool
	StopPlayout(id ChannelID) bool
}

// Network доставка входящих пакетов из сети.
// Пакеты для неизвестного канала молча отбрасываются.
type Network interface {
	ReceivedRTPPacket(id ChannelID, packet []byte)
	ReceivedRTCPPacket(id ChannelID, packet []byte)
}

// Codec настройка кодеков канала
type Codec interface {
	// SetSendCodec заменяет единственный активный энкодер канала
	SetSendCodec(id ChannelID, payloadType int, format Format)

	// SetReceiveCodecs целиком заменяет таблицу декодеров канала
	SetReceiveCodecs(id ChannelID, decoders map[int]Format)
}

// Dtmf отправка out-of-band DTMF согласно RFC 4733
type Dtmf interface {
	RegisterTelephoneEventType(id ChannelID, payloadType int, sampleRateHz int)

	// SendDtmfEvent ставит событие в очередь отправки. Возвращает false если
	// канал неизвестен, не в состоянии отправки или очередь заполнена.
	SendDtmfEvent(id ChannelID, event DtmfEvent, durationMs int) bool
}

// Statistics доступ к статистике каналов
type Statistics interface {
	GetIngressStatistics(id ChannelID) (IngressStatistics, bool)
}

// Engine объединяет группы возможностей движка.
// Все методы доступа возвращают один и тот же экземпляр.
type Engine interface {
	Base() Base
	Network() Network
	Codec() Codec
	Dtmf() Dtmf
	Statistics() Statistics
}
