package audio

import "encoding/binary"

// Int16ToBytesInto writes s16le bytes into dst, avoiding allocation.
// dst must have capacity >= len(samples)*2. Returns the used portion.
func Int16ToBytesInto(samples []int16, dst []byte) []byte {
	dst = dst[:len(samples)*BytesPerSample]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// BytesToInt16Into decodes s16le bytes into dst, avoiding allocation.
// dst must have capacity >= len(data)/2. Returns the used portion.
func BytesToInt16Into(data []byte, dst []int16) []int16 {
	n := len(data) / BytesPerSample
	dst = dst[:n]
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return dst
}
