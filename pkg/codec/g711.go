package codec

import (
	"github.com/zaf/g711"

	"github.com/arzzra/voip_engine/pkg/voip"
)

// g711Codec PCMU или PCMA, один байт на отсчет, 8000 Hz
type g711Codec struct {
	format voip.Format
	alaw   bool
}

func (c *g711Codec) Format() voip.Format { return c.format }

func (c *g711Codec) SampleRate() int { return 8000 }

func (c *g711Codec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		if c.alaw {
			out[i] = g711.EncodeAlawFrame(s)
		} else {
			out[i] = g711.EncodeUlawFrame(s)
		}
	}
	return out, nil
}

func (c *g711Codec) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		if c.alaw {
			out[i] = g711.DecodeAlawFrame(b)
		} else {
			out[i] = g711.DecodeUlawFrame(b)
		}
	}
	return out, nil
}
