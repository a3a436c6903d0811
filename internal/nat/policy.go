// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"grimm.is/npfw/internal/conn"
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/portmap"
)

// PolicyType names which field of a flow's first packet a policy
// translates: the source (the common "masquerade" case) or the
// destination (port-forwarding to an internal pool).
type PolicyType int

const (
	PolicySrc PolicyType = iota
	PolicyDst
)

// Flags are per-policy behavior bits; the one defined bit is
// FlagNoPortTranslate, for "no port translation" policies (a pure
// address map, keeping the original port/id).
type Flags uint32

const FlagNoPortTranslate Flags = 1 << 0

// Policy is {type, address pool, port range, flags} from §4.7, plus the
// portmap keyed by a pool address that §4.7 step 2 allocates the
// translated port/id from.
type Policy struct {
	ID       uint32
	Type     PolicyType
	Pool     *AddrPool
	PortMin  int
	PortMax  int
	Flags    Flags
	NoNATLog bool // when set, this policy's connections are exempt from NAT logging

	ports *portmap.Map
}

// NewPolicy returns a policy allocating translated ports/ids in
// [portMin, portMax] from pool.
func NewPolicy(id uint32, typ PolicyType, pool *AddrPool, portMin, portMax int, flags Flags) *Policy {
	return &Policy{
		ID:      id,
		Type:    typ,
		Pool:    pool,
		PortMin: portMin,
		PortMax: portMax,
		Flags:   flags,
		ports:   portmap.New(portMin, portMax),
	}
}

// Allocate binds a new translation for an untranslated (origAddr,
// origID) endpoint, per §4.7 steps 1-2: a pool address is selected,
// then a port/id is allocated from that address's portmap. If
// FlagNoPortTranslate is set, origID is kept as-is and the portmap
// allocation is skipped (a pure address map).
func (p *Policy) Allocate(origAddr npc.Addr, origID uint16) (*conn.NATBinding, error) {
	addr := p.Pool.Next()

	if p.Flags&FlagNoPortTranslate != 0 {
		return &conn.NATBinding{
			OrigAddr:       origAddr,
			OrigID:         origID,
			TranslatedAddr: addr,
			TranslatedID:   origID,
			PolicyID:       p.ID,
		}, nil
	}

	id, ok := p.ports.Allocate(addr, p.Pool.AddrLen)
	if !ok {
		return nil, npfwerrors.New(npfwerrors.KindUnavailable, "nat: portmap exhausted for policy")
	}
	return &conn.NATBinding{
		OrigAddr:       origAddr,
		OrigID:         origID,
		TranslatedAddr: addr,
		TranslatedID:   uint16(id),
		PolicyID:       p.ID,
	}, nil
}

// Release returns b's translated port/id to the policy's portmap. A
// pure address map (FlagNoPortTranslate) never allocated one, so
// Release is then a no-op.
func (p *Policy) Release(b *conn.NATBinding) {
	if p.Flags&FlagNoPortTranslate != 0 {
		return
	}
	p.ports.Release(b.TranslatedAddr, p.Pool.AddrLen, int(b.TranslatedID))
}
