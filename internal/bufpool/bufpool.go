// Package bufpool implements the bounded, fixed-size read-buffer pool:
// workers borrow a buffer, fill it from a file, hand it to the
// hasher, and the hasher returns it once consumed. In steady state this
// allocates zero buffers.
package bufpool

// Pool is a bounded pool of fixed-size buffers. Acquire blocks if the pool
// is exhausted; Release never blocks (contract).
type Pool struct {
	bufSize int
	slots   chan []byte
}

// New creates a pool of n buffers of bufSize bytes each, so that
// n*bufSize stays under the caller's configured memory ceiling.
func New(n, bufSize int) *Pool {
	p := &Pool{bufSize: bufSize, slots: make(chan []byte, n)}
	for i := 0; i < n; i++ {
		p.slots <- make([]byte, bufSize)
	}
	return p
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Acquire blocks until a buffer is available, then removes it from the
// pool.
func (p *Pool) Acquire() []byte {
	return <-p.slots
}

// Release returns buf to the pool. Never blocks because the pool's channel
// is sized exactly to the number of buffers it was created with, so a
// caller can never return more buffers than it acquired.
func (p *Pool) Release(buf []byte) {
	p.slots <- buf[:cap(buf)]
}

// NumBuffers computes how many fixed-size buffers fit under a byte budget,
// always returning at least 1 so a pool is never unusable.
func NumBuffers(budgetBytes int64, bufSize int) int {
	if bufSize <= 0 {
		return 1
	}
	n := int(budgetBytes / int64(bufSize))
	if n < 1 {
		n = 1
	}
	return n
}
