package media

// Resample передискретизирует моно PCM из fromRate в toRate линейной
// интерполяцией. При равных частотах возвращает исходный срез.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(in) == 0 {
		return in
	}

	outLen := len(in) * toRate / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)

	// Позиция в исходном сигнале в фиксированной точке 32.32
	step := (uint64(fromRate) << 32) / uint64(toRate)
	var pos uint64
	last := len(in) - 1

	for i := range out {
		idx := int(pos >> 32)
		frac := int64(pos & 0xFFFFFFFF)
		if idx >= last {
			out[i] = in[last]
		} else {
			a := int64(in[idx])
			b := int64(in[idx+1])
			out[i] = int16(a + ((b-a)*frac)>>32)
		}
		pos += step
	}

	return out
}

// ResampleFrame передискретизирует кадр, предварительно сводя его в моно
func ResampleFrame(f Frame, toRate int) Frame {
	mono := f.Mono()
	return Frame{
		Samples:    Resample(mono.Samples, mono.SampleRate, toRate),
		SampleRate: toRate,
		Channels:   1,
	}
}
