package audio

import (
	"encoding/binary"
	"math"
)

const (
	ToneFrequency = 440.0
	ToneAmplitude = 16000
)

// ToneGenerator produces a continuous sine wave as interleaved s16le PCM.
// Phase carries across calls so consecutive frames join without clicks.
// A zero Amplitude produces silence.
type ToneGenerator struct {
	Frequency  float64
	Amplitude  float64
	SampleRate int
	Channels   int

	n uint64
}

// Fill overwrites dst with the next len(dst) bytes of the tone.
func (g *ToneGenerator) Fill(dst []byte) {
	channels := g.Channels
	if channels <= 0 {
		channels = 1
	}
	stride := channels * BytesPerSample
	for off := 0; off+stride <= len(dst); off += stride {
		t := float64(g.n) / float64(g.SampleRate)
		s := int16(g.Amplitude * math.Sin(2*math.Pi*g.Frequency*t))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(dst[off+c*BytesPerSample:], uint16(s))
		}
		g.n++
	}
}

// Reset rewinds the generator to phase zero.
func (g *ToneGenerator) Reset() { g.n = 0 }
