// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/table"
)

// Coprocessor call indexes (the K operand of OpCall). §4.3 requires two:
const (
	CoprocL3Extract   uint32 = 0
	CoprocTableLookup uint32 = 1
)

// TableLookupDst, when set in a table-lookup call's X argument, selects
// the packet's destination address; otherwise the source address is
// used. The low bits of X are the table id.
const TableLookupDst uint32 = 1 << 31

// Coproc is one coprocessor's implementation: given the packet cache,
// a table lookup function, and the call argument, it returns a value
// written into the accumulator. mem is the program's scratch memory,
// mutable in place (the L3-extract coprocessor writes into it).
type Coproc func(cache *npc.Cache, tables Tables, arg uint32, mem *[NumWords]uint32) uint32

// CoprocRegistry maps a call index to its implementation.
type CoprocRegistry map[uint32]Coproc

// Tables resolves a table id to the Table it names, the collaborator
// the table-lookup coprocessor needs (§4.3).
type Tables interface {
	Table(id uint32) (table.Table, bool)
}

// DefaultCoprocs returns the two mandatory coprocessors of §4.3.
func DefaultCoprocs() CoprocRegistry {
	return CoprocRegistry{
		CoprocL3Extract:   l3Extract,
		CoprocTableLookup: tableLookup,
	}
}

// l3Extract writes IP version, L4 offset and L4 protocol into memory
// words 0, 1, 2 (§4.3: "reads IP version ... L4 offset, L4 protocol
// into memory words for later use by the program").
func l3Extract(cache *npc.Cache, _ Tables, _ uint32, mem *[NumWords]uint32) uint32 {
	mem[0] = uint32(cache.Version())
	mem[1] = uint32(cache.L4Off)
	mem[2] = uint32(cache.Proto)
	return 1
}

// tableLookup implements §4.3's table-lookup coprocessor: "accepts a
// 32-bit argument whose low bits encode a table id and whose high bit
// selects source vs destination address; returns non-zero when the
// packet's chosen address is present in that table."
func tableLookup(cache *npc.Cache, tables Tables, arg uint32, _ *[NumWords]uint32) uint32 {
	if tables == nil {
		return 0
	}
	id := arg &^ TableLookupDst
	t, ok := tables.Table(id)
	if !ok {
		return 0
	}

	addr := cache.Src
	if arg&TableLookupDst != 0 {
		addr = cache.Dst
	}
	if t.Lookup(addr, cache.AddrLen) {
		return 1
	}
	return 0
}
