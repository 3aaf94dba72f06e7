package audio

import (
	"sync"
	"time"
)

var framePool = sync.Pool{
	New: func() interface{} {
		return &Frame{}
	},
}

// AcquireFrame returns a frame whose Data has length size. The contents of
// Data are unspecified; sources overwrite them.
// Used on the capture hot path to avoid per-frame allocations.
func AcquireFrame(size int) *Frame {
	f := framePool.Get().(*Frame)
	if cap(f.Data) < size {
		f.Data = make([]byte, size)
	}
	f.Data = f.Data[:size]
	f.Seq = 0
	f.Captured = time.Time{}
	return f
}

// ReleaseFrame returns a frame to the pool. The caller must not touch f afterwards.
func ReleaseFrame(f *Frame) {
	if f == nil {
		return
	}
	framePool.Put(f)
}
