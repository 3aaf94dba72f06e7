package packet

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

func TestHeaderLayout(t *testing.T) {
	pkt := Marshal(0x01020304, audio.FormatPCM16, []byte{0xAA, 0xBB})

	want := []byte{
		'O', 'M', 'S', '1',
		0x01, 0x02, 0x03, 0x04,
		0x01,
		0x00, 0x00, 0x00, 0x02,
		0xAA, 0xBB,
	}
	if !bytes.Equal(pkt, want) {
		t.Errorf("unexpected encoding\n got: % X\nwant: % X", pkt, want)
	}
}

func TestAppendReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	a := Append(buf, 1, audio.FormatOpus, []byte{1, 2, 3})
	if &a[0] != &buf[:1][0] {
		t.Error("expected Append to write into the provided buffer")
	}
	if len(a) != HeaderSize+3 {
		t.Errorf("expected %d bytes, got %d", HeaderSize+3, len(a))
	}
}

func TestParseHeaderErrors(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2, 3}); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}

	bad := Marshal(1, audio.FormatPCM16, nil)
	bad[0] = 'X'
	if _, err := ParseHeader(bad); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}

	huge := Marshal(1, audio.FormatPCM16, nil)
	huge[9] = 0xFF
	if _, err := ParseHeader(huge); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReaderSplitsStream(t *testing.T) {
	var stream []byte
	for seq := uint32(0); seq < 5; seq++ {
		stream = Append(stream, seq, audio.FormatPCM16, bytes.Repeat([]byte{byte(seq)}, int(seq)*10))
	}

	r := NewReader(bytes.NewReader(stream))
	for seq := uint32(0); seq < 5; seq++ {
		h, payload, err := r.Next()
		if err != nil {
			t.Fatalf("packet %d: %v", seq, err)
		}
		if h.Sequence != seq {
			t.Errorf("expected seq %d, got %d", seq, h.Sequence)
		}
		if h.Format != audio.FormatPCM16 {
			t.Errorf("expected pcm, got %s", h.Format)
		}
		if len(payload) != int(seq)*10 {
			t.Errorf("seq %d: expected %d payload bytes, got %d", seq, seq*10, len(payload))
		}
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderTruncatedPayload(t *testing.T) {
	pkt := Marshal(7, audio.FormatPCM16, make([]byte, 100))
	r := NewReader(bytes.NewReader(pkt[:HeaderSize+10]))
	if _, _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}

	r = NewReader(bytes.NewReader(pkt[:5]))
	if _, _, err := r.Next(); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}
