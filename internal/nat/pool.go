// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nat implements the NAT translator of §4.7: policy lookup,
// address-pool/portmap allocation on a flow's first packet, and
// per-packet address/port rewrite with RFC 1624 incremental checksum
// fixups.
package nat

import (
	"sync/atomic"

	"grimm.is/npfw/internal/npc"
)

// AddrPool is a NAT policy's address pool (§4.7: "translated address
// selected from the pool (by round-robin or by policy-specific
// rule)"). This is the round-robin variant; a policy-specific selector
// can be layered on top by choosing from Addrs directly.
type AddrPool struct {
	AddrLen int
	Addrs   []npc.Addr

	next atomic.Uint32
}

// NewAddrPool returns a pool cycling through addrs, all of the same
// address length (4 or 16).
func NewAddrPool(alen int, addrs ...npc.Addr) *AddrPool {
	return &AddrPool{AddrLen: alen, Addrs: addrs}
}

// Next returns the next address in round-robin order.
func (p *AddrPool) Next() npc.Addr {
	idx := p.next.Add(1) - 1
	return p.Addrs[int(idx)%len(p.Addrs)]
}
