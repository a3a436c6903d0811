// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package npc

import (
	"encoding/binary"

	"grimm.is/npfw/internal/niclink"
)

// Info is the cache-info bitmask of §3: which fields of a Cache are
// populated. Unsupported protocols still get Info&IP4 or Info&IP6 set
// so the pipeline can still route them (§4.1).
type Info uint32

const (
	InfoIP4 Info = 1 << iota
	InfoIP6
	InfoLayer4
	InfoTCP
	InfoUDP
	InfoICMP
	InfoGRE     // enhanced-GRE (PPTP data channel)
	InfoPPTPGRE // PPTP-GRE-context: GRE call-id fields are valid
)

const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
	protoGRE    = 47
)

// Cache is the ephemeral parsed-packet record (§3 "Packet cache"). Zero
// value is ready for Populate; callers reuse one Cache per worker slot
// across packets to stay allocation-free on the hot path.
type Cache struct {
	Info    Info
	AddrLen int // 4 or 16
	L3Off   int // offset of the L3 header within the linearized buffer
	L4Off   int // offset of the L4 header relative to L3Off, valid iff Info&InfoLayer4
	Proto   uint8

	l3 []byte // L3 header view
	l4 []byte // L4 header view, nil if not present

	Src, Dst Addr

	// SrcID/DstID mirror an L4 port, an ICMP query id, or (when
	// Info&InfoPPTPGRE is set) a GRE call id.
	SrcID, DstID uint16

	// KeyOverride, when non-nil, replaces the standard 5-tuple key an
	// ALG's inspect hook would otherwise derive (§4.8 step 5: enhanced-
	// GRE data packets have no port and are looked up by call-id alone).
	KeyOverride *Key
}

// Reset clears a Cache for reuse against a new packet.
func (c *Cache) Reset() {
	*c = Cache{}
}

// L3Header returns the raw L3 header bytes.
func (c *Cache) L3Header() []byte { return c.l3 }

// L4Header returns the raw L4 header bytes, or nil if Info&InfoLayer4 is
// unset.
func (c *Cache) L4Header() []byte { return c.l4 }

// Populate parses buf enough to classify the packet, per §4.1: "Parsing
// succeeds if the headers are contiguous or can be made contiguous (the
// buffer abstraction may linearize chains). For unsupported protocols
// the cache records only L3 info; the pipeline still routes such
// packets." Populate never allocates: every field it sets is either a
// value or a sub-slice of buf.
func (c *Cache) Populate(buf niclink.Buffer) error {
	c.Reset()

	head, err := buf.Linearize(1)
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return errShort
	}

	switch head[0] >> 4 {
	case 4:
		return c.populateIPv4(buf)
	case 6:
		return c.populateIPv6(buf)
	default:
		return errShort
	}
}

// Recache re-populates the cache after an in-place translation may have
// changed header layout (§4.1 "recache").
func (c *Cache) Recache(buf niclink.Buffer) error {
	return c.Populate(buf)
}

func (c *Cache) populateIPv4(buf niclink.Buffer) error {
	const minIPv4 = 20
	hdr, err := buf.Linearize(minIPv4)
	if err != nil || len(hdr) < minIPv4 {
		return errShort
	}

	ihl := int(hdr[0]&0x0f) * 4
	if ihl < minIPv4 {
		return errShort
	}
	total, err := buf.Linearize(ihl)
	if err != nil || len(total) < ihl {
		return errShort
	}

	c.Info = InfoIP4
	c.AddrLen = 4
	c.L3Off = 0
	c.Proto = total[9]
	c.l3 = total[:ihl]
	copy(c.Src[:4], total[12:16])
	copy(c.Dst[:4], total[16:20])

	// Fragments beyond the first carry no L4 header; only L3 info is
	// recorded, and the pipeline still routes them (§4.1).
	flagsFrag := binary.BigEndian.Uint16(total[6:8])
	fragOffset := flagsFrag & 0x1fff
	if fragOffset != 0 {
		return nil
	}

	return c.populateL4(buf, ihl, int(binary.BigEndian.Uint16(total[2:4]))-ihl)
}

func (c *Cache) populateIPv6(buf niclink.Buffer) error {
	const ipv6Hdr = 40
	hdr, err := buf.Linearize(ipv6Hdr)
	if err != nil || len(hdr) < ipv6Hdr {
		return errShort
	}

	c.Info = InfoIP6
	c.AddrLen = 16
	c.L3Off = 0
	c.l3 = hdr[:ipv6Hdr]
	copy(c.Src[:16], hdr[8:24])
	copy(c.Dst[:16], hdr[24:40])

	nextHdr := hdr[6]
	payloadLen := int(binary.BigEndian.Uint16(hdr[4:6]))
	off := ipv6Hdr

	// Walk extension headers until an upper-layer protocol or one we
	// don't understand; the latter leaves Proto as the extension header
	// type and records only L3 info, per §4.1.
	for {
		switch nextHdr {
		case 0, 43, 60: // hop-by-hop, routing, destination options
			extHdr, err := buf.Linearize(off + 8)
			if err != nil || len(extHdr) < off+8 {
				c.Proto = nextHdr
				return nil
			}
			extLen := (int(extHdr[off+1]) + 1) * 8
			full, err := buf.Linearize(off + extLen)
			if err != nil || len(full) < off+extLen {
				c.Proto = nextHdr
				return nil
			}
			nextHdr = full[off]
			off += extLen
			continue
		default:
			c.Proto = nextHdr
			return c.populateL4(buf, off, payloadLen-(off-ipv6Hdr))
		}
	}
}

func (c *Cache) populateL4(buf niclink.Buffer, l4Off, l4Len int) error {
	if l4Len < 0 {
		l4Len = 0
	}
	c.L4Off = l4Off

	switch c.Proto {
	case protoTCP:
		const tcpMinHdr = 20
		view, err := buf.Linearize(l4Off + tcpMinHdr)
		if err != nil || len(view) < l4Off+tcpMinHdr {
			return nil
		}
		hdr := view[l4Off:]
		c.l4 = hdr[:tcpMinHdr]
		c.Info |= InfoLayer4 | InfoTCP
		c.SrcID = binary.BigEndian.Uint16(hdr[0:2])
		c.DstID = binary.BigEndian.Uint16(hdr[2:4])
		return nil

	case protoUDP:
		const udpHdr = 8
		view, err := buf.Linearize(l4Off + udpHdr)
		if err != nil || len(view) < l4Off+udpHdr {
			return nil
		}
		hdr := view[l4Off:]
		c.l4 = hdr[:udpHdr]
		c.Info |= InfoLayer4 | InfoUDP
		c.SrcID = binary.BigEndian.Uint16(hdr[0:2])
		c.DstID = binary.BigEndian.Uint16(hdr[2:4])
		return nil

	case protoICMP, protoICMPv6:
		const icmpHdr = 8
		view, err := buf.Linearize(l4Off + icmpHdr)
		if err != nil || len(view) < l4Off+icmpHdr {
			return nil
		}
		hdr := view[l4Off:]
		c.l4 = hdr[:icmpHdr]
		c.Info |= InfoLayer4 | InfoICMP
		typ := hdr[0]
		if isICMPQuery(c.Proto, typ) {
			id := binary.BigEndian.Uint16(hdr[4:6])
			c.SrcID, c.DstID = id, id
		}
		return nil

	case protoGRE:
		return c.populateGRE(buf, l4Off)

	default:
		return nil
	}
}

// populateGRE parses the PPTP "enhanced GRE" variant: version bits in
// flags_ver equal to 1 and a 16-bit call-id field (§4.8, §6).
func (c *Cache) populateGRE(buf niclink.Buffer, off int) error {
	const greMinHdr = 8
	view, err := buf.Linearize(off + greMinHdr)
	if err != nil || len(view) < off+greMinHdr {
		return nil
	}
	hdr := view[off:]
	flagsVer := binary.BigEndian.Uint16(hdr[0:2])
	if flagsVer&0x7 != 1 {
		// Plain GRE: generic L4 info only, no call-id.
		c.l4 = hdr[:4]
		c.Info |= InfoLayer4
		return nil
	}

	c.l4 = hdr[:greMinHdr]
	c.Info |= InfoLayer4 | InfoGRE | InfoPPTPGRE
	callID := binary.BigEndian.Uint16(hdr[6:8])
	c.SrcID, c.DstID = callID, 0
	return nil
}

func isICMPQuery(proto, typ uint8) bool {
	switch proto {
	case protoICMP:
		switch typ {
		case 8, 0, 13, 14, 15, 16: // echo request/reply, timestamp, info
			return true
		}
	case protoICMPv6:
		switch typ {
		case 128, 129: // echo request/reply
			return true
		}
	}
	return false
}

// ForwardKey builds the standard forward connection key from the cache,
// unless KeyOverride is set (an ALG's custom inspect key, §4.8 step 5).
func (c *Cache) ForwardKey() Key {
	if c.KeyOverride != nil {
		return *c.KeyOverride
	}
	return Key{
		Proto:   c.Proto,
		AddrLen: uint8(c.AddrLen),
		Src:     c.Src,
		Dst:     c.Dst,
		SrcID:   c.SrcID,
		DstID:   c.DstID,
	}
}

// Version returns the IP version (4 or 6) implied by AddrLen.
func (c *Cache) Version() int { return version(c.AddrLen) }

var errShort = shortPacketError{}

type shortPacketError struct{}

func (shortPacketError) Error() string { return "npc: packet too short to parse" }
