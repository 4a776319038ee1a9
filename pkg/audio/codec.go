package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ============================================
// AUDIO CODEC
// µ-law companding and PCM16 sample-rate conversion
// ============================================
// Converts between the telephony leg's format (8-bit µ-law at 8kHz) and the
// 16-bit linear PCM the AI providers speak, in both directions.

// Encoding identifies the byte layout of a Frame payload.
type Encoding string

const (
	// EncodingMulaw is 8-bit logarithmically companded audio (G.711 µ-law).
	EncodingMulaw Encoding = "mulaw"
	// EncodingPCM16 is 16-bit little-endian signed linear PCM.
	EncodingPCM16 Encoding = "pcm16"
)

// TelephonyRate is the sample rate of the telephony media stream.
const TelephonyRate = 8000

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// Frame is an immutable chunk of audio. Constructors and transforms always
// allocate a fresh payload; a Frame is never mutated after creation.
type Frame struct {
	Encoding   Encoding
	SampleRate int
	Payload    []byte
}

// NewMulawFrame wraps µ-law telephony audio in a Frame. The payload is copied.
func NewMulawFrame(payload []byte) Frame {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Frame{Encoding: EncodingMulaw, SampleRate: TelephonyRate, Payload: p}
}

// NewPCM16Frame wraps 16-bit little-endian PCM in a Frame. The payload is copied.
func NewPCM16Frame(payload []byte, sampleRate int) Frame {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Frame{Encoding: EncodingPCM16, SampleRate: sampleRate, Payload: p}
}

// LinearPCM converts the frame to 16-bit linear PCM at the given sample rate.
func (f Frame) LinearPCM(sampleRate int) (Frame, error) {
	var pcm []byte
	switch f.Encoding {
	case EncodingMulaw:
		pcm = DecodeMulaw(f.Payload)
	case EncodingPCM16:
		pcm = f.Payload
	default:
		return Frame{}, fmt.Errorf("unsupported source encoding: %s", f.Encoding)
	}

	out, err := Resample(pcm, f.SampleRate, sampleRate)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Encoding: EncodingPCM16, SampleRate: sampleRate, Payload: out}, nil
}

// Companded converts the frame to 8kHz µ-law for the telephony leg.
func (f Frame) Companded() (Frame, error) {
	pcm, err := f.LinearPCM(TelephonyRate)
	if err != nil {
		return Frame{}, err
	}
	mulaw, err := EncodeMulaw(pcm.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Encoding: EncodingMulaw, SampleRate: TelephonyRate, Payload: mulaw}, nil
}

// ============================================
// µ-LAW COMPANDING
// ============================================

// DecodeMulaw expands µ-law bytes to 16-bit little-endian linear PCM using
// the standard G.711 expansion (invert, 3-bit exponent, 4-bit mantissa,
// bias 0x84). Output is freshly allocated, two bytes per input byte.
func DecodeMulaw(data []byte) []byte {
	pcm := make([]byte, len(data)*2)

	for i, b := range data {
		b = ^b

		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F

		sample := (((int16(mantissa) << 3) + mulawBias) << exponent) - mulawBias
		if b&0x80 != 0 {
			sample = -sample
		}

		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(sample))
	}

	return pcm
}

// EncodeMulaw compresses 16-bit little-endian linear PCM to µ-law, the exact
// inverse of DecodeMulaw. Magnitudes are clamped to 32635 (the top of the
// highest µ-law segment) before quantizing.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 length must be even, got %d", len(pcm))
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = encodeMulawSample(sample)
	}
	return out, nil
}

func encodeMulawSample(sample int16) byte {
	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Locate the segment: position of the most significant bit above bit 7.
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && magnitude&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(magnitude>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// ============================================
// SAMPLE-RATE CONVERSION
// ============================================

// Resample converts 16-bit little-endian PCM from one sample rate to another
// by linear interpolation over the index space. It performs no anti-aliasing
// filtering; that is an intentional fidelity shortcut acceptable for
// voice-call quality, not a defect. Output is always freshly allocated, with
// length len(pcm)·toRate/fromRate rounded down to whole samples.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 length must be even, got %d", len(pcm))
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive: %d -> %d", fromRate, toRate)
	}

	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	numIn := len(pcm) / 2
	numOut := numIn * toRate / fromRate
	if numOut == 0 {
		return []byte{}, nil
	}

	out := make([]byte, numOut*2)
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < numOut; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)

		if srcIndex >= numIn-1 {
			// Past the last interpolation pair; hold the final sample.
			last := binary.LittleEndian.Uint16(pcm[(numIn-1)*2:])
			binary.LittleEndian.PutUint16(out[i*2:], last)
			continue
		}

		frac := srcPos - float64(srcIndex)
		s1 := int16(binary.LittleEndian.Uint16(pcm[srcIndex*2:]))
		s2 := int16(binary.LittleEndian.Uint16(pcm[(srcIndex+1)*2:]))

		interpolated := float64(s1)*(1-frac) + float64(s2)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(interpolated)))
	}

	return out, nil
}

// ApplyGain scales 16-bit little-endian PCM by a gain factor, clamping to the
// int16 range. Returns a fresh buffer.
func ApplyGain(pcm []byte, gain float64) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 length must be even, got %d", len(pcm))
	}

	out := make([]byte, len(pcm))
	for i := 0; i < len(pcm)/2; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * gain
		if sample > math.MaxInt16 {
			sample = math.MaxInt16
		} else if sample < math.MinInt16 {
			sample = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	return out, nil
}

// SplitBuffer splits audio data into chunks of at most chunkSize bytes, for
// emitting fixed-duration media frames. The final chunk may be shorter.
func SplitBuffer(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 160 // 20ms of µ-law at 8kHz
	}

	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}
