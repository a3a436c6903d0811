// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package portmap implements the per-external-address port/call-id
// allocator of §3 "Portmap": a bitmap over an allocator's [min..max]
// range, multi-writer safe via CAS on 32-bit words — no higher-level
// lock is ever held across an allocate/release, matching §5's portmap
// ordering guarantee ("CAS on a 32-bit bitmap word is the sole
// synchronization").
package portmap

import (
	"sync"
	"sync/atomic"

	"grimm.is/npfw/internal/npc"
)

// Map allocates values in [Min, Max] per external address.
type Map struct {
	Min, Max int

	mu     sync.Mutex // guards only bitmaps creation/removal, never an allocate/release
	tables map[npc.Key]*bitmap
}

// New returns a portmap allocating values in the inclusive [min, max]
// range.
func New(min, max int) *Map {
	return &Map{
		Min:    min,
		Max:    max,
		tables: make(map[npc.Key]*bitmap),
	}
}

type bitmap struct {
	words []uint32
	next  uint32 // round-robin search cursor, advanced with a plain atomic add
}

func newBitmap(span int) *bitmap {
	return &bitmap{words: make([]uint32, (span+31)/32)}
}

func (b *bitmap) tryMark(idx int) bool {
	wi, bit := idx/32, uint32(1)<<uint(idx%32)
	for {
		old := atomic.LoadUint32(&b.words[wi])
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&b.words[wi], old, old|bit) {
			return true
		}
	}
}

func (b *bitmap) clear(idx int) {
	wi, bit := idx/32, uint32(1)<<uint(idx%32)
	for {
		old := atomic.LoadUint32(&b.words[wi])
		next := old &^ bit
		if old == next || atomic.CompareAndSwapUint32(&b.words[wi], old, next) {
			return
		}
	}
}

func addrKey(addr npc.Addr, alen int) npc.Key {
	return npc.Key{AddrLen: uint8(alen), Src: addr}
}

func (m *Map) bitmapFor(addr npc.Addr, alen int) *bitmap {
	key := addrKey(addr, alen)

	m.mu.Lock()
	b, ok := m.tables[key]
	if !ok {
		b = newBitmap(m.Max - m.Min + 1)
		m.tables[key] = b
	}
	m.mu.Unlock()

	return b
}

// Allocate returns a value in [Min, Max] not currently marked used for
// addr, marks it used, and returns ok=false if the range is exhausted
// (§6 "portmap-exhaust" counter). The search starts from a rotating
// cursor so repeated allocations spread across the range rather than
// always starting at Min.
func (m *Map) Allocate(addr npc.Addr, alen int) (value int, ok bool) {
	span := m.Max - m.Min + 1
	b := m.bitmapFor(addr, alen)

	start := int(atomic.AddUint32(&b.next, 1)) % span
	for i := 0; i < span; i++ {
		idx := (start + i) % span
		if b.tryMark(idx) {
			return m.Min + idx, true
		}
	}
	return 0, false
}

// Release returns value to the free pool for addr. Releasing a value
// that was never allocated, or is out of range, is a no-op.
func (m *Map) Release(addr npc.Addr, alen int, value int) {
	if value < m.Min || value > m.Max {
		return
	}
	b := m.bitmapFor(addr, alen)
	b.clear(value - m.Min)
}

// InUse reports how many values are currently marked used for addr, for
// tests and stats.
func (m *Map) InUse(addr npc.Addr, alen int) int {
	b := m.bitmapFor(addr, alen)
	n := 0
	for i := range b.words {
		n += popcount(atomic.LoadUint32(&b.words[i]))
	}
	return n
}

func popcount(w uint32) int {
	n := 0
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}
