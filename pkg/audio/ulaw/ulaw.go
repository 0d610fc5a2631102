// Package ulaw converts between G.711 μ-law companded telephony audio and
// 16-bit linear PCM.
//
// μ-law encodes each 16-bit sample into a single byte using a logarithmic
// segment/mantissa scheme, so the transform is lossy: Decode(Encode(x))
// approximates x within the quantisation step of the containing segment but
// is never exact. Decoding is a table lookup; the table is built once at
// package initialisation and is read-only afterwards, so all functions are
// safe for concurrent use from any number of sessions.
package ulaw

const (
	// bias is the standard μ-law encoding bias added to the magnitude before
	// segment search.
	bias = 0x84 // 132

	// clip is the maximum magnitude representable after biasing.
	clip = 32635
)

// decodeTable maps every possible μ-law byte to its linear PCM sample.
var decodeTable [256]int16

func init() {
	for i := range decodeTable {
		decodeTable[i] = decode(byte(i))
	}
}

// decode expands a single μ-law byte into a linear sample. The wire byte is
// ones'-complemented, then bit 7 is the sign, bits 6–4 the segment exponent
// and bits 3–0 the mantissa.
func decode(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0f

	v := ((int32(mantissa) << 3) + bias) << exponent
	v -= bias

	if v > 32767 {
		v = 32767
	}
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// DecodeSample converts one μ-law byte to a linear PCM sample via the
// precomputed lookup table.
func DecodeSample(b byte) int16 {
	return decodeTable[b]
}

// EncodeSample compands one linear PCM sample into a μ-law byte. The sign is
// extracted, the magnitude is clipped and biased, the smallest segment that
// holds the biased magnitude is selected, and the result is packed as
// sign | exponent<<4 | mantissa with the final byte ones'-complemented per
// the companding convention.
func EncodeSample(s int16) byte {
	var sign byte
	m := int32(s)
	if m < 0 {
		sign = 0x80
		m = -m
	}
	if m > clip {
		m = clip
	}
	m += bias

	// Segment search: exponent is the position of the highest set bit above
	// bit 7, in 0..7.
	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && m&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(m>>(exponent+3)) & 0x0f
	return ^(sign | exponent<<4 | mantissa)
}

// Decode expands a μ-law frame into little-endian 16-bit PCM. The output is
// exactly twice the input length.
func Decode(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := decodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Encode compands little-endian 16-bit PCM into a μ-law frame. A trailing odd
// byte is ignored. The output is half the (even) input length.
func Encode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeSample(s)
	}
	return out
}
