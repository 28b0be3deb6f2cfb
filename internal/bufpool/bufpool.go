// Package bufpool pools the byte buffers the capture loop copies each
// packet into, avoiding an allocation per packet on the hot path.
package bufpool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// BufferSize is the capacity of pooled capture buffers; large enough for a
// full-size Ethernet frame.
const BufferSize = 65536

// Buffers pools []byte slices sized for one captured packet.
var Buffers = New(func() []byte {
	return make([]byte, BufferSize)
})
