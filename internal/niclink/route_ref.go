// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package niclink

import (
	"net"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// RefRoutingTable is the reference RoutingTable implementation
// (original_source's npf_router.c / route.c, ported to
// github.com/gaissmai/bart rather than its own hand-rolled radix trie).
// It backs cmd/npfw-sim, cmd/npfwd's default route, npfsys.New when no
// routing table is given, and tests; a deployment may supply its own
// RoutingTable wired to the real kernel FIB instead, which is why this
// type lives next to the interfaces it implements rather than in the
// pipeline itself.
type RefRoutingTable struct {
	mu sync.RWMutex
	t  bart.Table[Route]
}

// NewRefRoutingTable returns an empty reference routing table.
func NewRefRoutingTable() *RefRoutingTable {
	return &RefRoutingTable{}
}

// Add inserts (or replaces) a route for prefix addr/mask, of address
// family alen (4 or 16), egressing via r.
func (t *RefRoutingTable) Add(addr net.IP, alen, mask int, r Route) error {
	pfx, err := routePrefix(addr, alen, mask)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t.Insert(pfx, r)
	return nil
}

// Remove deletes the route for the exact prefix addr/mask.
func (t *RefRoutingTable) Remove(addr net.IP, alen, mask int) error {
	pfx, err := routePrefix(addr, alen, mask)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.t.GetAndDelete(pfx); !ok {
		return npfwerrors.New(npfwerrors.KindNotFound, "route_ref: prefix not found")
	}
	return nil
}

// Lookup implements RoutingTable: a longest-prefix-match route lookup.
func (t *RefRoutingTable) Lookup(addr net.IP, alen int) (Route, bool) {
	ip, ok := routeAddr(addr, alen)
	if !ok {
		return Route{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Lookup(ip)
}

func routePrefix(addr net.IP, alen, mask int) (netip.Prefix, error) {
	ip, ok := routeAddr(addr, alen)
	if !ok {
		return netip.Prefix{}, npfwerrors.New(npfwerrors.KindValidation, "route_ref: invalid address length")
	}
	if mask < 0 || mask > alen*8 {
		return netip.Prefix{}, npfwerrors.New(npfwerrors.KindValidation, "route_ref: invalid mask")
	}
	return netip.PrefixFrom(ip, mask), nil
}

func routeAddr(addr net.IP, alen int) (netip.Addr, bool) {
	switch alen {
	case 4:
		v4 := addr.To4()
		if v4 == nil {
			return netip.Addr{}, false
		}
		var b [4]byte
		copy(b[:], v4)
		return netip.AddrFrom4(b), true
	case 16:
		v6 := addr.To16()
		if v6 == nil {
			return netip.Addr{}, false
		}
		var b [16]byte
		copy(b[:], v6)
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}
