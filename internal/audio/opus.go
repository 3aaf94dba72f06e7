//go:build opus

package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// DefaultOpusBitrate matches the handset build: 64 kbps VBR.
const DefaultOpusBitrate = 64000

// OpusEncoder encodes each frame into a single Opus packet.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
	pcm      []int16
}

func newOpusEncoder(af Format, bitrate int) (Encoder, error) {
	enc, err := opus.NewEncoder(af.SampleRate, af.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecUnavailable, err)
	}
	if bitrate <= 0 {
		bitrate = DefaultOpusBitrate
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("opus set bitrate %d: %w", bitrate, err)
	}
	return &OpusEncoder{
		enc:      enc,
		channels: af.Channels,
		pcm:      make([]int16, af.SamplesPerFrame()*af.Channels),
	}, nil
}

func (e *OpusEncoder) Encode(f *Frame, dst []byte) ([]byte, SampleFormat, error) {
	pcm := BytesToInt16Into(f.Data, e.pcm)
	if cap(dst) < MaxPayloadBytes {
		dst = make([]byte, MaxPayloadBytes)
	}
	dst = dst[:cap(dst)]
	n, err := e.enc.Encode(pcm, dst)
	if err != nil {
		return nil, FormatOpus, fmt.Errorf("opus encode seq %d: %w", f.Seq, err)
	}
	return dst[:n], FormatOpus, nil
}

func (e *OpusEncoder) Close() error { return nil }
