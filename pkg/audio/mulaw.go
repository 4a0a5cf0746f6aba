// Package audio converts between the 8 kHz mu-law audio used on phone calls and
// the 16-bit linear PCM that speech providers produce and consume.
package audio

const (
	TelephonySampleRate = 8000
	mulawBias           = 0x84
	mulawClip           = 32635
)

// MuLawDecode expands mu-law bytes into little-endian PCM16.
func MuLawDecode(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := decodeSample(b)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// MuLawEncode compresses little-endian PCM16 into mu-law bytes. A trailing odd byte is dropped.
func MuLawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = encodeSample(s)
	}
	return out
}

func decodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func encodeSample(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias
	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
