//go:build !opus

package audio

// DefaultOpusBitrate matches the handset build: 64 kbps VBR.
const DefaultOpusBitrate = 64000

func newOpusEncoder(Format, int) (Encoder, error) {
	return nil, ErrCodecUnavailable
}
