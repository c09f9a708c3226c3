package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/arzzra/voip_engine/pkg/voip"
)

// l16Codec линейный 16-битный PCM в сетевом порядке байт (RFC 3551 Section 4.5.11)
type l16Codec struct {
	format voip.Format
}

func (c *l16Codec) Format() voip.Format { return c.format }

func (c *l16Codec) SampleRate() int { return c.format.ClockRate }

func (c *l16Codec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

func (c *l16Codec) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("нечетная длина L16 payload: %d", len(payload))
	}
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return out, nil
}
