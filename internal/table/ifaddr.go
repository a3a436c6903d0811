// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	"sync"
	"sync/atomic"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// IfAddr is the interface-address table variant: a small list, linear
// scan on lookup, swapped atomically whole on reconfiguration (§4.2).
// Entries are never deduplicated — an interface legitimately carries
// more than one address of the same family.
type IfAddr struct {
	mu   sync.Mutex // serializes Insert/Flush against each other
	list atomic.Pointer[[]Entry]
}

// NewIfAddr returns an empty interface-address table.
func NewIfAddr() *IfAddr {
	a := &IfAddr{}
	empty := []Entry{}
	a.list.Store(&empty)
	return a
}

func (a *IfAddr) Kind() Kind { return KindIfAddr }

// Insert appends without deduplication.
func (a *IfAddr) Insert(addr npc.Addr, alen, mask int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := *a.list.Load()
	next := make([]Entry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, Entry{Addr: addr, AddrLen: alen, Mask: mask})
	a.list.Store(&next)
	return nil
}

// Remove always fails: IFADDR is rebuilt wholesale on reconfiguration,
// per §4.2.
func (a *IfAddr) Remove(npc.Addr, int, int) error {
	return npfwerrors.New(npfwerrors.KindPermission, "ifaddr: entries are removed only by whole-table reconfiguration")
}

// Lookup linearly scans the current snapshot.
func (a *IfAddr) Lookup(addr npc.Addr, alen int) bool {
	list := *a.list.Load()
	for _, e := range list {
		if e.AddrLen == alen && e.Addr.Equal(addr, alen) {
			return true
		}
	}
	return false
}

func (a *IfAddr) List() []Entry {
	list := *a.list.Load()
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Flush atomically swaps in an empty list (reconfiguration, e.g. an
// interface losing all its addresses).
func (a *IfAddr) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	empty := []Entry{}
	a.list.Store(&empty)
}

// Replace atomically swaps the whole address list, the reconfiguration
// path §4.2 calls out explicitly ("swapped atomically on reconfig").
func (a *IfAddr) Replace(entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := make([]Entry, len(entries))
	copy(snap, entries)
	a.list.Store(&snap)
}
