// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package npc implements the packet cache (§4.1, §3 "Packet cache"): the
// ephemeral per-packet record built by one pass over a received buffer,
// carrying just enough of the L3/L4 headers for classification, state
// tracking and NAT. A Cache's lifetime is a single pipeline traversal —
// it is reset and reused by the caller (internal/pipeline), never
// retained by a connection or rule.
package npc

import (
	"net"
)

// Addr is a 16-byte address buffer; AddrLen says how many leading bytes
// are valid (4 for IPv4, 16 for IPv6). This is exactly §3's "Address":
// "a 16-byte buffer, valid prefix determined by address length".
type Addr [16]byte

// AddrFromIP packs a net.IP into an Addr, returning its address length.
func AddrFromIP(ip net.IP) (Addr, int) {
	var a Addr
	if v4 := ip.To4(); v4 != nil {
		copy(a[:4], v4)
		return a, 4
	}
	v6 := ip.To16()
	copy(a[:16], v6)
	return a, 16
}

// IP returns the net.IP view of the first alen bytes of a.
func (a Addr) IP(alen int) net.IP {
	return net.IP(a[:alen])
}

// String renders the address given its length, for logging.
func (a Addr) String(alen int) string {
	return a.IP(alen).String()
}

// Equal reports whether a and b agree on their first alen bytes.
func (a Addr) Equal(b Addr, alen int) bool {
	return string(a[:alen]) == string(b[:alen])
}

// version reports the IP version encoded by an address length, per
// §4.3's L3-extract coprocessor: "4→4, 16→6".
func version(alen int) int {
	if alen == 16 {
		return 6
	}
	return 4
}
