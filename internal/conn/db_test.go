// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"grimm.is/npfw/internal/npc"
)

func key(proto uint8, src, dst string, srcID, dstID uint16) npc.Key {
	sa, alen := npc.AddrFromIP(net.ParseIP(src))
	da, _ := npc.AddrFromIP(net.ParseIP(dst))
	return npc.Key{Proto: proto, AddrLen: uint8(alen), Src: sa, Dst: da, SrcID: srcID, DstID: dstID}
}

// S4 / property #3: connection-DB key symmetry. lookup(forward) and
// lookup(backward) both resolve to the same connection, and direction
// is reported correctly.
func TestLookupSymmetry(t *testing.T) {
	db := NewDB()
	fwd := key(6, "192.0.2.1", "198.51.100.1", 1024, 80)
	c := New(fwd, time.Minute, time.Now())

	if err := db.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, dir, ok := db.Lookup(fwd)
	if !ok || got != c || dir != Forward {
		t.Fatalf("forward lookup: got=%v dir=%v ok=%v", got == c, dir, ok)
	}
	got.Release()

	got, dir, ok = db.Lookup(fwd.Reversed())
	if !ok || got != c || dir != Backward {
		t.Fatalf("backward lookup: got=%v dir=%v ok=%v", got == c, dir, ok)
	}
	got.Release()
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	db := NewDB()
	fwd := key(17, "10.0.0.1", "10.0.0.2", 5000, 53)

	if err := db.Insert(New(fwd, time.Minute, time.Now())); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.Insert(New(fwd, time.Minute, time.Now())); err == nil {
		t.Error("second insert with the same forward key should fail")
	}
}

func TestRemoveUnlinksBothKeys(t *testing.T) {
	db := NewDB()
	fwd := key(6, "192.0.2.1", "198.51.100.1", 1024, 80)
	c := New(fwd, time.Minute, time.Now())
	if err := db.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	db.Remove(c)
	if _, _, ok := db.Lookup(fwd); ok {
		t.Error("forward key should miss after Remove")
	}
	if _, _, ok := db.Lookup(fwd.Reversed()); ok {
		t.Error("backward key should miss after Remove")
	}
}

// Property #4 / EBR safety via the DB: a connection removed from the
// index is not destroyed while a reader still holds a reference, and
// is destroyed once that reference is released and GC runs again.
func TestGCDoesNotDestroyHeldConnection(t *testing.T) {
	db := NewDB()
	now := time.Now()
	fwd := key(6, "192.0.2.1", "198.51.100.1", 1024, 80)
	c := New(fwd, -time.Second, now) // already expired
	if err := db.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	held, _, ok := db.Lookup(fwd)
	if !ok {
		t.Fatal("lookup should find the connection before GC")
	}

	destroyed := 0
	stats := db.GC(now, false, true, func(*Connection) { destroyed++ })
	if stats.Expired != 1 {
		t.Fatalf("stats.Expired = %d, want 1", stats.Expired)
	}
	if stats.Destroyed != 0 {
		t.Fatalf("stats.Destroyed = %d, want 0: a reference is still held", stats.Destroyed)
	}
	if stats.Holdouts != 1 {
		t.Fatalf("stats.Holdouts = %d, want 1", stats.Holdouts)
	}

	held.Release()
	stats = db.GC(now, false, true, func(*Connection) { destroyed++ })
	if stats.Destroyed != 1 {
		t.Fatalf("stats.Destroyed = %d, want 1 once the reference was released", stats.Destroyed)
	}
	if destroyed != 1 {
		t.Fatalf("destroy callback ran %d times, want 1", destroyed)
	}
}

func TestGCLeavesUnexpiredConnectionsAlone(t *testing.T) {
	db := NewDB()
	now := time.Now()
	fwd := key(6, "192.0.2.1", "198.51.100.1", 1024, 80)
	c := New(fwd, time.Hour, now)
	if err := db.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stats := db.GC(now, false, false, nil)
	if stats.Expired != 0 || stats.Scanned != 1 {
		t.Fatalf("stats = %+v, want Scanned=1 Expired=0", stats)
	}
	if db.Len() != 1 {
		t.Fatalf("Len = %d, want 1", db.Len())
	}
}

func TestFlushDestroysEverythingRegardlessOfExpiry(t *testing.T) {
	db := NewDB()
	now := time.Now()
	for i := 0; i < 3; i++ {
		c := New(key(6, "192.0.2.1", "198.51.100.1", uint16(1024+i), 80), time.Hour, now)
		if err := db.Insert(c); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	stats := db.GC(now, true, true, func(*Connection) {})
	if stats.Expired != 3 {
		t.Fatalf("flush should unlink every connection, got Expired=%d", stats.Expired)
	}
	if db.Len() != 0 {
		t.Fatalf("Len after flush = %d, want 0", db.Len())
	}
}

func TestConcurrentInsertLookup(t *testing.T) {
	db := NewDB()
	now := time.Now()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := New(key(6, "192.0.2.1", "198.51.100.1", uint16(2000+i), 80), time.Hour, now)
			if err := db.Insert(c); err != nil {
				t.Errorf("insert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if db.Len() != n {
		t.Fatalf("Len = %d, want %d", db.Len(), n)
	}

	var wg2 sync.WaitGroup
	for i := 0; i < n; i++ {
		wg2.Add(1)
		go func(i int) {
			defer wg2.Done()
			c, _, ok := db.Lookup(key(6, "192.0.2.1", "198.51.100.1", uint16(2000+i), 80))
			if !ok {
				t.Errorf("lookup %d should find a connection", i)
				return
			}
			c.Release()
		}(i)
	}
	wg2.Wait()
}
