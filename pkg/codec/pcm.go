package codec

import (
	"encoding/binary"
	"fmt"
)

// PCM16LE serializes samples as little-endian 16-bit PCM, reusing dst when it is large enough.
func PCM16LE(dst []byte, samples []int16) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// UpsampleFactor returns the integer ratio between target and source rates.
func UpsampleFactor(source, target int) (int, error) {
	if source <= 0 || target <= 0 {
		return 0, fmt.Errorf("invalid sample rates %d -> %d", source, target)
	}
	if target < source || target%source != 0 {
		return 0, fmt.Errorf("target rate %d is not an integer multiple of %d", target, source)
	}
	return target / source, nil
}

// Upsampler raises the sample rate of a chunked stream by an integer factor
// using linear interpolation. It keeps the previous chunk's last sample, so
// the output does not depend on how the input was split. Each input sample is
// emitted once its successor arrives, which delays the stream by one sample.
type Upsampler struct {
	factor int
	prev   int16
	primed bool
}

func NewUpsampler(factor int) *Upsampler {
	if factor < 1 {
		factor = 1
	}
	return &Upsampler{factor: factor}
}

// Process returns the output for src, reusing dst's capacity.
func (u *Upsampler) Process(dst, src []int16) []int16 {
	dst = dst[:0]
	if u.factor == 1 {
		return append(dst, src...)
	}
	for _, cur := range src {
		if u.primed {
			delta := int32(cur) - int32(u.prev)
			for k := 0; k < u.factor; k++ {
				dst = append(dst, int16(int32(u.prev)+delta*int32(k)/int32(u.factor)))
			}
		}
		u.prev = cur
		u.primed = true
	}
	return dst
}
