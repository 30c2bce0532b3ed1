package tcp_layer

import (
	"math"

	"github.com/smallnest/ringbuffer"
)

const DefaultBufferSize = math.MaxUint16

// receiveBuffer holds in-order bytes delivered by the receive loop until
// the application reads them. Its free space is the window we advertise.
// Callers hold the connection table lock.
type receiveBuffer struct {
	ring *ringbuffer.RingBuffer
}

func newReceiveBuffer(size int) *receiveBuffer {
	if size <= 0 || size > DefaultBufferSize {
		size = DefaultBufferSize
	}
	return &receiveBuffer{ring: ringbuffer.New(size)}
}

// push appends p whole, or not at all if it does not fit.
func (rb *receiveBuffer) push(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if len(p) > rb.ring.Free() {
		return false
	}
	n, _ := rb.ring.Write(p)
	return n == len(p)
}

// read drains up to n bytes.
func (rb *receiveBuffer) read(n int) []byte {
	if n > rb.ring.Length() {
		n = rb.ring.Length()
	}
	if n <= 0 {
		return nil
	}
	data := make([]byte, n)
	n, _ = rb.ring.Read(data)
	return data[:n]
}

func (rb *receiveBuffer) Len() int {
	if rb == nil {
		return 0
	}
	return rb.ring.Length()
}

func (rb *receiveBuffer) window() uint16 {
	return uint16(min(rb.ring.Free(), math.MaxUint16))
}
