// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides reusable datagram buffers for the packet pipeline.
package pool

import (
	"sync"
	"sync/atomic"
)

// MaxDatagramSize is the maximum size of a UDP datagram.
const MaxDatagramSize = 65535

// DefaultBufferSize is the default buffer size for received datagrams.
const DefaultBufferSize = 8192

// BufferPool hands out fixed-size byte buffers for datagram reads. Buffers are
// recycled through a sync.Pool so steady-state packet processing allocates
// nothing on the receive path.
type BufferPool struct {
	size int
	pool sync.Pool

	gets atomic.Uint64
	puts atomic.Uint64
}

// NewBufferPool creates a pool of buffers of the given size. A size of 0 uses
// DefaultBufferSize; sizes above MaxDatagramSize are clamped.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if size > MaxDatagramSize {
		size = MaxDatagramSize
	}

	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of the pool's configured size.
func (p *BufferPool) Get() *[]byte {
	p.gets.Add(1)
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong capacity are discarded.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.puts.Add(1)
	p.pool.Put(buf)
}

// Size returns the configured buffer size.
func (p *BufferPool) Size() int {
	return p.size
}

// Stats returns the cumulative number of Get and Put calls.
func (p *BufferPool) Stats() (gets, puts uint64) {
	return p.gets.Load(), p.puts.Load()
}
