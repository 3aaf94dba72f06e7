//go:build opus

package audio

import "testing"

func TestOpusEncodesToneFrame(t *testing.T) {
	enc, err := NewEncoder(FormatOpus, DefaultFormat, DefaultOpusBitrate)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	defer enc.Close()

	g := &ToneGenerator{Frequency: ToneFrequency, Amplitude: ToneAmplitude, SampleRate: 48000, Channels: 1}
	f := AcquireFrame(DefaultFormat.FrameBytes())
	defer ReleaseFrame(f)
	g.Fill(f.Data)

	out, sf, err := enc.Encode(f, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if sf != FormatOpus {
		t.Errorf("expected opus format, got %s", sf)
	}
	if len(out) == 0 || len(out) >= len(f.Data) {
		t.Errorf("expected a compressed payload, got %d bytes", len(out))
	}
}
