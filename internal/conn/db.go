// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/npfw/internal/conn/ebr"
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// Direction reports which of a Connection's two keys a lookup matched.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// stepBound is the default number of stable-list entries GC scans per
// tick (§4.6 "walk the stable list up to a step bound (default 512
// entries per tick)").
const stepBound = 512

// DB is the connection database of §4.6: a concurrent map from
// npc.Key to *Connection. The index itself uses the same copy-on-write
// snapshot discipline as internal/table's IPSet (lock-free readers,
// single writer under a mutex) — justified the same way: the index
// only ever holds pointers, never resources that must be reclaimed in
// lockstep with a reader's traversal. What DOES need epoch-based
// reclamation is the *Connection value itself, because it may own a
// NAT binding and ALG state that a concurrent reader's held reference
// depends on outliving the unlink; that grace period is provided by
// the ebr.Domain below.
type DB struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[npc.Key]*Connection]

	recentHead atomic.Pointer[Connection] // Treiber stack, push-only from enqueue

	// stable and deferred are touched only by the G/C worker goroutine.
	stable   []*Connection
	deferred []*Connection

	ebr *ebr.Domain
}

// NewDB returns an empty connection database.
func NewDB() *DB {
	d := &DB{ebr: ebr.NewDomain()}
	empty := make(map[npc.Key]*Connection)
	d.snapshot.Store(&empty)
	return d
}

// EBR returns the database's reclamation domain, so dataplane workers
// can Register/Checkpoint/Unregister against it (§5).
func (d *DB) EBR() *ebr.Domain { return d.ebr }

// Lookup finds the connection indexed by key, holding an extra
// reference on success. Readers never take d.mu: they load the current
// snapshot pointer and do a plain map read. Callers must call
// Connection.Release when done with the reference.
func (d *DB) Lookup(key npc.Key) (*Connection, Direction, bool) {
	m := *d.snapshot.Load()
	c, ok := m[key]
	if !ok {
		return nil, 0, false
	}
	c.Hold()
	if c.Key1 == key {
		return c, Forward, true
	}
	return c, Backward, true
}

// Insert indexes c under both of its keys, failing if either is
// already present (§4.6 invariant: "for any key present in the map,
// exactly one connection holds it"). On success c is also pushed onto
// the recent list for the G/C worker to pick up.
func (d *DB) Insert(c *Connection) error {
	d.mu.Lock()
	old := *d.snapshot.Load()
	if _, exists := old[c.Key1]; exists {
		d.mu.Unlock()
		return npfwerrors.New(npfwerrors.KindExists, "conn: forward key already present")
	}
	if _, exists := old[c.Key2]; exists {
		d.mu.Unlock()
		return npfwerrors.New(npfwerrors.KindExists, "conn: backward key already present")
	}

	next := make(map[npc.Key]*Connection, len(old)+2)
	for k, v := range old {
		next[k] = v
	}
	next[c.Key1] = c
	next[c.Key2] = c
	d.snapshot.Store(&next)
	d.mu.Unlock()

	d.enqueue(c)
	return nil
}

// Remove unlinks both of c's keys from the index. The caller must not
// destroy c until RefCount()==0 and an epoch grace period has elapsed
// — GC handles that via Defer.
func (d *DB) Remove(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := *d.snapshot.Load()
	if _, ok := old[c.Key1]; !ok {
		return
	}
	next := make(map[npc.Key]*Connection, len(old))
	for k, v := range old {
		if k == c.Key1 || k == c.Key2 {
			continue
		}
		next[k] = v
	}
	d.snapshot.Store(&next)
}

// enqueue pushes c onto the MPSC recent list with a single CAS, per
// §4.6 ("added to an MPSC singly-linked recent list, single atomic CAS
// per insert").
func (d *DB) enqueue(c *Connection) {
	for {
		old := d.recentHead.Load()
		c.next = old
		if d.recentHead.CompareAndSwap(old, c) {
			return
		}
	}
}

// transferRecent atomically detaches the whole recent list and
// appends its entries to the stable list, which only the G/C worker
// ever reads or writes.
func (d *DB) transferRecent() {
	head := d.recentHead.Swap(nil)
	var batch []*Connection
	for c := head; c != nil; c = c.next {
		batch = append(batch, c)
	}
	// head was pushed most-recently-first; order doesn't matter for a
	// scan that just walks every live connection.
	d.stable = append(d.stable, batch...)
}

// Stats summarizes one GC pass.
type Stats struct {
	Scanned   int
	Expired   int
	Destroyed int
	Holdouts  int
	Reclaimed int
}

// GC implements §4.6's gc(flush, sync): transfer the recent list,
// scan up to stepBound stable entries (or all of them if flush is
// set), unlink anything expired into the deferred-destroy queue, stage
// epoch reclamation of the removed map nodes, and finally destroy
// deferred connections whose refcount has drained. destroy is called
// for each connection that is actually freed, to release NAT/ALG
// state (internal/nat and internal/alg wire this).
func (d *DB) GC(now time.Time, flush, sync bool, destroy func(*Connection)) Stats {
	d.transferRecent()

	var stats Stats
	limit := stepBound
	if flush {
		limit = len(d.stable)
	}

	var kept []*Connection
	for i, c := range d.stable {
		if i >= limit && !flush {
			kept = append(kept, d.stable[i:]...)
			break
		}
		stats.Scanned++
		if flush || c.Expired(now) || c.HasFlag(FlagExpired) {
			d.Remove(c)
			c.Release() // drop the DB's own reference taken in New
			d.deferred = append(d.deferred, c)
			d.ebr.Defer(func() {})
			stats.Expired++
			continue
		}
		kept = append(kept, c)
	}
	d.stable = kept

	if sync {
		d.ebr.Advance()
	}
	stats.Reclaimed = d.ebr.Advance()

	var stillPending []*Connection
	for _, c := range d.deferred {
		if c.RefCount() == 0 {
			if destroy != nil {
				destroy(c)
			}
			stats.Destroyed++
			continue
		}
		stats.Holdouts++
		stillPending = append(stillPending, c)
	}
	d.deferred = stillPending

	return stats
}

// Len reports the number of distinct connections currently indexed
// (each counted once, not once per key), for tests and stats.
func (d *DB) Len() int {
	m := *d.snapshot.Load()
	seen := make(map[*Connection]struct{}, len(m)/2+1)
	for _, c := range m {
		seen[c] = struct{}{}
	}
	return len(seen)
}
