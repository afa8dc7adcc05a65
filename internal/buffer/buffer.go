// Package buffer implements the message buffer contract spec.md §6
// requires from its "message buffer" collaborator: a growable byte slab
// supporting push/discard/clear/alignment-check, backed by a sync.Pool of
// fixed-size arenas so the per-goroutine crypto scratch (spec.md §5, 4096
// bytes) is reused rather than reallocated on every packet.
//
// Modeled on the teacher's application/mtu_frames.go fixed-layout
// byte-buffer manipulation (BuildMTUPacket writes known-width fields at
// known offsets) generalized here to a push/discard API, since nothing in
// the retrieved examples implements a pooled growable frame buffer
// directly.
package buffer

import (
	"encoding/binary"
	"sync"
)

// ScratchSize is the per-goroutine crypto scratch ceiling spec.md §5/§9
// names: a hard limit on single-message size after transformation.
const ScratchSize = 4096

// Buffer is a reusable byte slab with a logical length distinct from its
// backing array's capacity, so Clear can reset length without
// reallocating.
type Buffer struct {
	data []byte
}

var pool = sync.Pool{
	New: func() any {
		return &Buffer{data: make([]byte, 0, ScratchSize)}
	},
}

// Get returns a Buffer from the pool, already Clear'd.
func Get() *Buffer {
	return pool.Get().(*Buffer)
}

// Put returns b to the pool after clearing it.
func Put(b *Buffer) {
	b.Clear()
	pool.Put(b)
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the current logical length.
func (b *Buffer) Len() int { return len(b.data) }

// Clear resets the buffer to zero length without releasing its backing array.
func (b *Buffer) Clear() { b.data = b.data[:0] }

// Set replaces the buffer's contents with a copy of p.
func (b *Buffer) Set(p []byte) {
	b.data = append(b.data[:0], p...)
}

// PushBytes appends p to the buffer.
func (b *Buffer) PushBytes(p []byte) {
	b.data = append(b.data, p...)
}

// PushUint32 appends v as 4 big-endian bytes.
func (b *Buffer) PushUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// DiscardBytes removes the leading n bytes.
func (b *Buffer) DiscardBytes(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}

// IsAlignedTo reports whether the current length is a multiple of n.
func (b *Buffer) IsAlignedTo(n int) bool {
	if n <= 0 {
		return true
	}
	return len(b.data)%n == 0
}
