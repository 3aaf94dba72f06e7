// Package packet frames audio payloads for the wire.
//
// Every packet is a fixed 13-byte header followed by the payload, all
// integers in network byte order:
//
//	[magic:4][sequence:4][sample_format:1][frame_length:4][payload:frame_length]
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// Magic marks the start of every packet ("OMS1").
const Magic uint32 = 0x4F4D5331

// HeaderSize is the encoded size of Header.
const HeaderSize = 4 + 4 + 1 + 4

// MaxPayload bounds frame_length on decode so a corrupt stream cannot force
// a huge allocation.
const MaxPayload = 1 << 20

var (
	ErrBadMagic        = errors.New("packet: bad magic")
	ErrPayloadTooLarge = errors.New("packet: payload too large")
	ErrShortHeader     = errors.New("packet: short header")
)

// Header is the decoded fixed part of a packet.
type Header struct {
	Sequence uint32
	Format   audio.SampleFormat
	Length   uint32
}

// Append encodes a packet for payload onto dst and returns the extended slice.
func Append(dst []byte, seq uint32, format audio.SampleFormat, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	hdr[8] = byte(format)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Marshal returns a newly allocated packet.
func Marshal(seq uint32, format audio.SampleFormat, payload []byte) []byte {
	return Append(make([]byte, 0, HeaderSize+len(payload)), seq, format, payload)
}

// ParseHeader decodes the fixed header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08X", ErrBadMagic, m)
	}
	h := Header{
		Sequence: binary.BigEndian.Uint32(b[4:8]),
		Format:   audio.SampleFormat(b[8]),
		Length:   binary.BigEndian.Uint32(b[9:13]),
	}
	if h.Length > MaxPayload {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Reader splits a byte stream back into packets. Used by diagnostics and tests.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
	buf []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads one packet. The returned payload is only valid until the next call.
// It returns io.EOF at a clean packet boundary.
func (pr *Reader) Next() (Header, []byte, error) {
	if _, err := io.ReadFull(pr.r, pr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, ErrShortHeader
		}
		return Header{}, nil, err
	}
	h, err := ParseHeader(pr.hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	if cap(pr.buf) < int(h.Length) {
		pr.buf = make([]byte, h.Length)
	}
	pr.buf = pr.buf[:h.Length]
	if _, err := io.ReadFull(pr.r, pr.buf); err != nil {
		return Header{}, nil, fmt.Errorf("packet seq %d payload: %w", h.Sequence, err)
	}
	return h, pr.buf, nil
}
