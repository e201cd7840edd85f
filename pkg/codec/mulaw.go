// Package codec converts G.711 telephony audio into linear PCM samples.
package codec

const (
	// MuLawSilence is the µ-law byte that decodes to a zero sample.
	MuLawSilence byte = 0xFF

	// TelephonySampleRate is the narrowband rate Twilio media streams use.
	TelephonySampleRate = 8000

	muLawBias = 0x84
)

var muLawTable = buildMuLawTable()

func buildMuLawTable() [256]int16 {
	var t [256]int16
	for i := 0; i < 256; i++ {
		t[i] = expandMuLaw(byte(i))
	}
	return t
}

func expandMuLaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	value := ((int(mantissa) << 3) + muLawBias) << exponent
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// Decode expands one µ-law byte into a 16-bit linear sample.
// Every byte value is valid.
func Decode(b byte) int16 {
	return muLawTable[b]
}

// DecodeInto decodes src into dst and returns the filled prefix of dst.
// dst is grown when it is too small, so callers can reuse a buffer across frames.
func DecodeInto(dst []int16, src []byte) []int16 {
	if cap(dst) < len(src) {
		dst = make([]int16, len(src))
	}
	dst = dst[:len(src)]
	for i, b := range src {
		dst[i] = muLawTable[b]
	}
	return dst
}

// DecodeSamples decodes a µ-law payload into a new sample slice.
func DecodeSamples(src []byte) []int16 {
	return DecodeInto(nil, src)
}
