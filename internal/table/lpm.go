// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// LPM is the longest-prefix-match table variant, built on
// github.com/gaissmai/bart's balanced routing trie (the same structure
// flywall itself carries transitively and the retrieval pack ships as
// its own full example repo). §4.2 requires LPM lookups to take the
// table's internal lock — bart.Table is documented safe for concurrent
// readers without a concurrent writer, so the mutex here exists purely
// to serialize writers against each other and against readers per the
// spec, not to make bart itself safe.
type LPM struct {
	mu sync.RWMutex
	t  bart.Table[struct{}]
}

// NewLPM returns an empty LPM table.
func NewLPM() *LPM {
	return &LPM{}
}

func (l *LPM) Kind() Kind { return KindLPM }

// Insert adds a prefix; it fails on an exact duplicate prefix.
func (l *LPM) Insert(addr npc.Addr, alen, mask int) error {
	pfx, err := toPrefix(addr, alen, mask)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.t.Get(pfx); ok {
		return npfwerrors.New(npfwerrors.KindExists, "lpm: duplicate prefix")
	}
	l.t.Insert(pfx, struct{}{})
	return nil
}

// Remove deletes a prefix (exact match on addr/mask).
func (l *LPM) Remove(addr npc.Addr, alen, mask int) error {
	pfx, err := toPrefix(addr, alen, mask)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.t.GetAndDelete(pfx); !ok {
		return npfwerrors.New(npfwerrors.KindNotFound, "lpm: prefix not found")
	}
	return nil
}

// Lookup returns true iff some inserted prefix covers addr (longest
// prefix wins, but only membership is reported).
func (l *LPM) Lookup(addr npc.Addr, alen int) bool {
	ip, ok := toAddr(addr, alen)
	if !ok {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.t.Contains(ip)
}

func (l *LPM) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for pfx := range l.t.All() {
		a, alen := npc.AddrFromIP(pfx.Addr().AsSlice())
		out = append(out, Entry{Addr: a, AddrLen: alen, Mask: pfx.Bits()})
	}
	return out
}

func (l *LPM) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = bart.Table[struct{}]{}
}

func toPrefix(addr npc.Addr, alen, mask int) (netip.Prefix, error) {
	if err := CIDRCheck(alen, mask); err != nil {
		return netip.Prefix{}, err
	}
	if mask == NoMask {
		mask = hostMask(alen)
	}
	ip, ok := toAddr(addr, alen)
	if !ok {
		return netip.Prefix{}, npfwerrors.New(npfwerrors.KindValidation, "lpm: invalid address length")
	}
	return netip.PrefixFrom(ip, mask), nil
}

func toAddr(addr npc.Addr, alen int) (netip.Addr, bool) {
	switch alen {
	case 4:
		var b [4]byte
		copy(b[:], addr[:4])
		return netip.AddrFrom4(b), true
	case 16:
		var b [16]byte
		copy(b[:], addr[:16])
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}
