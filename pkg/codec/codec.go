// Package codec содержит энкодеры и декодеры аудио и фабрики, через которые
// канал получает их по описанию формата.
package codec

import (
	"fmt"
	"strings"

	"github.com/arzzra/voip_engine/pkg/voip"
)

// Encoder кодирует моно PCM кадр частоты SampleRate в RTP payload
type Encoder interface {
	Format() voip.Format
	SampleRate() int
	Encode(pcm []int16) ([]byte, error)
}

// Decoder декодирует RTP payload в моно PCM частоты SampleRate
type Decoder interface {
	Format() voip.Format
	SampleRate() int
	Decode(payload []byte) ([]int16, error)
}

// EncoderFactory создает энкодер для payload type и формата
type EncoderFactory interface {
	MakeEncoder(payloadType int, format voip.Format) (Encoder, error)
}

// DecoderFactory создает декодер для формата
type DecoderFactory interface {
	MakeDecoder(format voip.Format) (Decoder, error)
}

// Имена форматов
const (
	NamePCMU     = "PCMU"
	NamePCMA     = "PCMA"
	NameL16      = "L16"
	NameTelEvent = "telephone-event"
)

var l16Rates = []int{8000, 16000, 44100, 48000}

// SupportedFormats возвращает форматы, которые поддерживает встроенная фабрика
func SupportedFormats() []voip.Format {
	formats := []voip.Format{
		voip.NewFormat(NamePCMU, 8000, 1),
		voip.NewFormat(NamePCMA, 8000, 1),
	}
	for _, rate := range l16Rates {
		formats = append(formats, voip.NewFormat(NameL16, rate, 1))
	}
	return formats
}

// IsSupported проверяет формат по списку SupportedFormats
func IsSupported(format voip.Format) bool {
	for _, f := range SupportedFormats() {
		if f.Matches(format) {
			return true
		}
	}
	return false
}

// BuiltinFactory фабрика энкодеров и декодеров G.711 и L16
type BuiltinFactory struct{}

var (
	_ EncoderFactory = BuiltinFactory{}
	_ DecoderFactory = BuiltinFactory{}
)

// NewBuiltinFactory создает встроенную фабрику
func NewBuiltinFactory() BuiltinFactory {
	return BuiltinFactory{}
}

// MakeEncoder создает энкодер для формата
func (BuiltinFactory) MakeEncoder(payloadType int, format voip.Format) (Encoder, error) {
	if !voip.ValidPayloadType(payloadType) {
		return nil, voip.WrapError(voip.ErrorCodeInvalidArgument,
			fmt.Sprintf("payload type %d вне диапазона", payloadType), nil)
	}
	c, err := newCodec(format)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MakeDecoder создает декодер для формата
func (BuiltinFactory) MakeDecoder(format voip.Format) (Decoder, error) {
	c, err := newCodec(format)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type codec interface {
	Encoder
	Decoder
}

func newCodec(format voip.Format) (codec, error) {
	if !IsSupported(format) {
		return nil, voip.WrapError(voip.ErrorCodeCodecUnsupported,
			fmt.Sprintf("формат %s", format), nil)
	}
	switch strings.ToUpper(format.Name) {
	case NamePCMU:
		return &g711Codec{format: format, alaw: false}, nil
	case NamePCMA:
		return &g711Codec{format: format, alaw: true}, nil
	default:
		return &l16Codec{format: format}, nil
	}
}
