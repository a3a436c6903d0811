// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	"sync"
	"sync/atomic"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// IPSet is the exact-match table variant. Mutations are serialized by an
// internal lock and build a fresh immutable snapshot map that is then
// published with a single atomic.Pointer store; lookups load the
// snapshot without ever taking a lock, which is what §4.2 means by
// "lookups in IP-set are lock-free" — readers can never observe a
// partially-updated set and never block a writer or each other.
//
// This is a copy-on-write snapshot rather than the original's
// lock-free trie hashmap with epoch reclamation: entries here are
// plain comparable values with no owned resources to reclaim, so Go's
// garbage collector already provides the "free only after the last
// reader drops the old snapshot" guarantee that EBR exists to provide
// manually in a non-GC'd language. Epoch-based reclamation earns its
// keep in internal/conn, where connections own NAT/ALG state that must
// not be freed out from under an in-flight reader (see internal/conn/ebr).
type IPSet struct {
	mu   sync.Mutex // serializes writers only; readers never take it
	snap atomic.Pointer[ipsetSnapshot]
}

type ipsetSnapshot struct {
	m map[npc.Key]struct{} // keyed on the subset of Key used for a bare address
}

func ipsetEntryKey(addr npc.Addr, alen int) npc.Key {
	return npc.Key{AddrLen: uint8(alen), Src: addr}
}

// NewIPSet returns an empty IP-set table.
func NewIPSet() *IPSet {
	s := &IPSet{}
	s.snap.Store(&ipsetSnapshot{m: make(map[npc.Key]struct{})})
	return s
}

func (s *IPSet) Kind() Kind { return KindIPSet }

// Insert fails on a duplicate; mask must be a full host mask (NoMask or
// the address's own bit width), per §4.2.
func (s *IPSet) Insert(addr npc.Addr, alen, mask int) error {
	if mask != NoMask && mask != hostMask(alen) {
		return npfwerrors.New(npfwerrors.KindValidation, "ipset: insert requires a full host mask")
	}
	key := ipsetEntryKey(addr, alen)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	if _, exists := old.m[key]; exists {
		return npfwerrors.New(npfwerrors.KindExists, "ipset: duplicate entry")
	}

	next := make(map[npc.Key]struct{}, len(old.m)+1)
	for k := range old.m {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	s.snap.Store(&ipsetSnapshot{m: next})
	return nil
}

// Remove deletes an exact entry.
func (s *IPSet) Remove(addr npc.Addr, alen, mask int) error {
	key := ipsetEntryKey(addr, alen)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	if _, exists := old.m[key]; !exists {
		return npfwerrors.New(npfwerrors.KindNotFound, "ipset: entry not found")
	}

	next := make(map[npc.Key]struct{}, len(old.m))
	for k := range old.m {
		if k != key {
			next[k] = struct{}{}
		}
	}
	s.snap.Store(&ipsetSnapshot{m: next})
	return nil
}

// Lookup is an exact hash lookup against the current snapshot; it never
// blocks on a concurrent writer.
func (s *IPSet) Lookup(addr npc.Addr, alen int) bool {
	snap := s.snap.Load()
	_, ok := snap.m[ipsetEntryKey(addr, alen)]
	return ok
}

func (s *IPSet) List() []Entry {
	snap := s.snap.Load()
	out := make([]Entry, 0, len(snap.m))
	for k := range snap.m {
		out = append(out, Entry{Addr: k.Src, AddrLen: int(k.AddrLen), Mask: NoMask})
	}
	return out
}

func (s *IPSet) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Store(&ipsetSnapshot{m: make(map[npc.Key]struct{})})
}
