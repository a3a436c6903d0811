// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package npc

// Key is the connection-key tuple from §3: { proto, address-length,
// src-addr, dst-addr, src-id, dst-id }, where id is an L4 port, an ICMP
// query id, or a GRE call id. Every field is a comparable value type, so
// a Key is itself comparable and usable directly as a Go map key — the
// idiomatic equivalent of the original's "keys are byte-comparable"
// requirement, without a manual byte-encoding step.
type Key struct {
	Proto   uint8
	AddrLen uint8
	Src     Addr
	Dst     Addr
	SrcID   uint16
	DstID   uint16
}

// Reversed returns the backward key for Key's forward key (or vice
// versa): addresses and ids swapped, everything else unchanged.
// conn.New uses it for a connection's default backward key.
func (k Key) Reversed() Key {
	return Key{
		Proto:   k.Proto,
		AddrLen: k.AddrLen,
		Src:     k.Dst,
		Dst:     k.Src,
		SrcID:   k.DstID,
		DstID:   k.SrcID,
	}
}
