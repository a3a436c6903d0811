// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// Const is the read-only, bulk-loaded table variant (§4.2): built once
// from a packed set of entries at ruleset-compile time and immutable
// thereafter. Insert/Remove always fail; Lookup is an exact match
// against the packed blob, represented here as a plain Go map since the
// "packed blob" detail is an implementation artifact of the original's
// fixed-size kernel allocator, not a behavior this port needs to
// reproduce.
type Const struct {
	entries map[npc.Key]int // key -> mask, for List()
}

// NewConst builds an immutable Const table from a fixed set of entries.
func NewConst(entries []Entry) *Const {
	m := make(map[npc.Key]int, len(entries))
	for _, e := range entries {
		m[ipsetEntryKey(e.Addr, e.AddrLen)] = e.Mask
	}
	return &Const{entries: m}
}

func (c *Const) Kind() Kind { return KindConst }

func (c *Const) Insert(npc.Addr, int, int) error {
	return npfwerrors.New(npfwerrors.KindPermission, "const: table is read-only")
}

func (c *Const) Remove(npc.Addr, int, int) error {
	return npfwerrors.New(npfwerrors.KindPermission, "const: table is read-only")
}

func (c *Const) Lookup(addr npc.Addr, alen int) bool {
	_, ok := c.entries[ipsetEntryKey(addr, alen)]
	return ok
}

func (c *Const) List() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for k, mask := range c.entries {
		out = append(out, Entry{Addr: k.Src, AddrLen: int(k.AddrLen), Mask: mask})
	}
	return out
}

func (c *Const) Flush() {}
