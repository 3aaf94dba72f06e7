package audio

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestDefaultFormatSizes(t *testing.T) {
	if n := DefaultFormat.SamplesPerFrame(); n != 960 {
		t.Errorf("expected 960 samples per 20ms frame, got %d", n)
	}
	if n := DefaultFormat.FrameBytes(); n != 1920 {
		t.Errorf("expected 1920 bytes per frame, got %d", n)
	}
}

func TestFormatValidate(t *testing.T) {
	cases := []struct {
		name string
		f    Format
		ok   bool
	}{
		{"default", DefaultFormat, true},
		{"stereo 16k", Format{SampleRate: 16000, Channels: 2, FrameDuration: 10 * time.Millisecond}, true},
		{"no rate", Format{Channels: 1, FrameDuration: 20 * time.Millisecond}, false},
		{"six channels", Format{SampleRate: 48000, Channels: 6, FrameDuration: 20 * time.Millisecond}, false},
		{"too short", Format{SampleRate: 8000, Channels: 1, FrameDuration: time.Microsecond}, false},
	}
	for _, tc := range cases {
		err := tc.f.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestParseSampleFormat(t *testing.T) {
	if f, err := ParseSampleFormat("pcm"); err != nil || f != FormatPCM16 {
		t.Errorf("pcm: got %v, %v", f, err)
	}
	if f, err := ParseSampleFormat("opus"); err != nil || f != FormatOpus {
		t.Errorf("opus: got %v, %v", f, err)
	}
	if _, err := ParseSampleFormat("flac"); err == nil {
		t.Error("expected error for flac")
	}
}

func TestAcquireFrameResizes(t *testing.T) {
	f := AcquireFrame(1920)
	if len(f.Data) != 1920 {
		t.Fatalf("expected 1920 bytes, got %d", len(f.Data))
	}
	f.Seq = 9
	ReleaseFrame(f)

	g := AcquireFrame(3840)
	if len(g.Data) != 3840 {
		t.Fatalf("expected 3840 bytes, got %d", len(g.Data))
	}
	if g.Seq != 0 {
		t.Errorf("expected reset sequence, got %d", g.Seq)
	}
	ReleaseFrame(g)
	ReleaseFrame(nil)
}

func TestToneGeneratorContinuesPhase(t *testing.T) {
	whole := &ToneGenerator{Frequency: ToneFrequency, Amplitude: ToneAmplitude, SampleRate: 48000, Channels: 1}
	split := &ToneGenerator{Frequency: ToneFrequency, Amplitude: ToneAmplitude, SampleRate: 48000, Channels: 1}

	a := make([]byte, 3840)
	whole.Fill(a)

	b := make([]byte, 3840)
	split.Fill(b[:1920])
	split.Fill(b[1920:])

	if !bytes.Equal(a, b) {
		t.Error("tone split across two frames differs from a single fill")
	}
}

func TestToneGeneratorSilence(t *testing.T) {
	g := &ToneGenerator{Frequency: ToneFrequency, SampleRate: 48000, Channels: 2}
	buf := bytes.Repeat([]byte{0xFF}, 400)
	g.Fill(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: expected silence, got 0x%02X", i, b)
		}
	}
}

func TestInt16RoundTripInto(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	raw := Int16ToBytesInto(samples, make([]byte, 64))
	if len(raw) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(raw))
	}
	back := BytesToInt16Into(raw, make([]int16, 32))
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("sample %d: expected %d, got %d", i, samples[i], back[i])
		}
	}
}

func TestPCMEncoderPassthrough(t *testing.T) {
	enc, err := NewEncoder(FormatPCM16, DefaultFormat, 0)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	defer enc.Close()

	f := &Frame{Seq: 3, Data: []byte{1, 2, 3, 4}}
	out, sf, err := enc.Encode(f, make([]byte, 0, 16))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if sf != FormatPCM16 {
		t.Errorf("expected pcm format, got %s", sf)
	}
	if !bytes.Equal(out, f.Data) {
		t.Errorf("expected payload %v, got %v", f.Data, out)
	}
}

func TestOpusRejectsInvalidFrameDuration(t *testing.T) {
	af := Format{SampleRate: 48000, Channels: 1, FrameDuration: 15 * time.Millisecond}
	if _, err := NewEncoder(FormatOpus, af, 0); err == nil || errors.Is(err, ErrCodecUnavailable) {
		t.Errorf("expected frame duration error, got %v", err)
	}
	af = Format{SampleRate: 44100, Channels: 1, FrameDuration: 20 * time.Millisecond}
	if _, err := NewEncoder(FormatOpus, af, 0); err == nil {
		t.Error("expected sample rate error")
	}
}
