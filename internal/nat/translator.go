// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"encoding/binary"

	"grimm.is/npfw/internal/conn"
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

const (
	ipv4ChecksumOff = 10
	ipv4SrcOff      = 12
	ipv4DstOff      = 16

	tcpChecksumOff = 16
	udpChecksumOff = 6
	icmpChecksumOff = 2
)

// Apply rewrites cache's packet in place for a flow's policy and
// binding, per §4.7: "source (for outbound) or destination (for
// inbound) address/port rewritten; checksum incrementally fixed via
// ones-complement delta." dir is the direction the packet travels
// relative to the connection that created the binding: Forward rewrites
// from the original identity to the translated one; Backward applies
// the inverse on the opposite packet field.
func Apply(cache *npc.Cache, policy *Policy, b *conn.NATBinding, dir conn.Direction) error {
	field := policy.Type
	if dir == conn.Backward {
		field = oppositeField(field)
	}

	var oldAddr, newAddr npc.Addr
	var oldID, newID uint16
	if dir == conn.Forward {
		oldAddr, newAddr = b.OrigAddr, b.TranslatedAddr
		oldID, newID = b.OrigID, b.TranslatedID
	} else {
		oldAddr, newAddr = b.TranslatedAddr, b.OrigAddr
		oldID, newID = b.TranslatedID, b.OrigID
	}

	if err := rewriteL3(cache, field, oldAddr, newAddr); err != nil {
		return err
	}
	rewriteL4(cache, field, oldAddr, newAddr, oldID, newID)
	return nil
}

func oppositeField(t PolicyType) PolicyType {
	if t == PolicySrc {
		return PolicyDst
	}
	return PolicySrc
}

func rewriteL3(cache *npc.Cache, field PolicyType, oldAddr, newAddr npc.Addr) error {
	hdr := cache.L3Header()
	if cache.Info&npc.InfoIP4 == 0 {
		// IPv6 carries no header checksum to fix up; the address bytes
		// still need rewriting so downstream hops and the reverse path
		// see the translated value.
		return rewriteIPv6Addr(hdr, field, newAddr)
	}
	if len(hdr) < 20 {
		return npfwerrors.New(npfwerrors.KindValidation, "nat: short IPv4 header")
	}

	off := ipv4SrcOff
	if field == PolicyDst {
		off = ipv4DstOff
	}
	checksum := binary.BigEndian.Uint16(hdr[ipv4ChecksumOff : ipv4ChecksumOff+2])
	checksum = fixChecksumAddr(checksum, oldAddr, newAddr, 4)
	binary.BigEndian.PutUint16(hdr[ipv4ChecksumOff:ipv4ChecksumOff+2], checksum)
	copy(hdr[off:off+4], newAddr[:4])
	return nil
}

func rewriteIPv6Addr(hdr []byte, field PolicyType, newAddr npc.Addr) error {
	if len(hdr) < 40 {
		return npfwerrors.New(npfwerrors.KindValidation, "nat: short IPv6 header")
	}
	off := 8
	if field == PolicyDst {
		off = 24
	}
	copy(hdr[off:off+16], newAddr[:16])
	return nil
}

func rewriteL4(cache *npc.Cache, field PolicyType, oldAddr, newAddr npc.Addr, oldID, newID uint16) {
	hdr := cache.L4Header()
	if hdr == nil {
		return
	}
	alen := cache.AddrLen

	switch {
	case cache.Info&npc.InfoTCP != 0:
		if len(hdr) < 20 {
			return
		}
		checksum := binary.BigEndian.Uint16(hdr[tcpChecksumOff : tcpChecksumOff+2])
		checksum = fixChecksumAddr(checksum, oldAddr, newAddr, alen)
		idOff := 0
		if field == PolicyDst {
			idOff = 2
		}
		checksum = fixChecksumPort(checksum, oldID, newID)
		binary.BigEndian.PutUint16(hdr[idOff:idOff+2], newID)
		binary.BigEndian.PutUint16(hdr[tcpChecksumOff:tcpChecksumOff+2], checksum)

	case cache.Info&npc.InfoUDP != 0:
		if len(hdr) < 8 {
			return
		}
		checksum := binary.BigEndian.Uint16(hdr[udpChecksumOff : udpChecksumOff+2])
		if checksum != 0 { // a zero UDP checksum means "uncomputed"; leave it alone
			checksum = fixChecksumAddr(checksum, oldAddr, newAddr, alen)
			checksum = fixChecksumPort(checksum, oldID, newID)
			binary.BigEndian.PutUint16(hdr[udpChecksumOff:udpChecksumOff+2], checksum)
		}
		idOff := 0
		if field == PolicyDst {
			idOff = 2
		}
		binary.BigEndian.PutUint16(hdr[idOff:idOff+2], newID)

	case cache.Info&npc.InfoICMP != 0:
		if len(hdr) < 8 || oldID == 0 && newID == 0 {
			return
		}
		checksum := binary.BigEndian.Uint16(hdr[icmpChecksumOff : icmpChecksumOff+2])
		checksum = fixChecksumPort(checksum, oldID, newID)
		binary.BigEndian.PutUint16(hdr[icmpChecksumOff:icmpChecksumOff+2], checksum)
		binary.BigEndian.PutUint16(hdr[4:6], newID) // ICMP query id field
	}
}
