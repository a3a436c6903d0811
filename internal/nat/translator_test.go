// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"encoding/binary"
	"testing"

	"grimm.is/npfw/internal/conn"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/npc"
)

func buildIPv4UDP(srcIP, dstIP npc.Addr, srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 28)
	ip := pkt[0:20]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 28)
	ip[8] = 64
	ip[9] = 17 // UDP
	copy(ip[12:16], srcIP[:4])
	copy(ip[16:20], dstIP[:4])
	ip[10], ip[11] = 0, 0
	binary.BigEndian.PutUint16(ip[10:12], naiveChecksum(ip))

	udp := pkt[20:28]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], 8)
	udp[6], udp[7] = 0, 0
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(srcIP, dstIP, udp))

	return pkt
}

// udpChecksum computes the standard pseudo-header-inclusive UDP
// checksum, independent of the package's incremental logic under test.
func udpChecksum(srcIP, dstIP npc.Addr, udp []byte) uint16 {
	pseudo := make([]byte, 12+len(udp))
	copy(pseudo[0:4], srcIP[:4])
	copy(pseudo[4:8], dstIP[:4])
	pseudo[9] = 17
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udp)))
	copy(pseudo[12:], udp)
	return naiveChecksum(pseudo)
}

func TestApplyForwardSourceNATFixesChecksums(t *testing.T) {
	origIP := addr4(10, 0, 0, 5)
	dstIP := addr4(93, 184, 216, 34)
	translatedIP := addr4(203, 0, 113, 9)

	pkt := buildIPv4UDP(origIP, dstIP, 40000, 53)
	buf := niclink.NewHeapBuffer(pkt)

	cache := &npc.Cache{}
	if err := cache.Populate(buf); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	policy := NewPolicy(1, PolicySrc, NewAddrPool(4, translatedIP), 40000, 40100, 0)
	binding := &conn.NATBinding{
		OrigAddr:       origIP,
		OrigID:         40000,
		TranslatedAddr: translatedIP,
		TranslatedID:   40050,
		PolicyID:       policy.ID,
	}

	if err := Apply(cache, policy, binding, conn.Forward); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ip := pkt[0:20]
	if got := ip[12:16]; !equalBytes(got, translatedIP[:4]) {
		t.Errorf("source address not rewritten: got %v", got)
	}
	ipCopy := append([]byte(nil), ip...)
	ipCopy[10], ipCopy[11] = 0, 0
	wantIPChecksum := naiveChecksum(ipCopy)
	if got := binary.BigEndian.Uint16(ip[10:12]); got != wantIPChecksum {
		t.Errorf("IPv4 checksum = %#04x, want %#04x", got, wantIPChecksum)
	}

	udp := pkt[20:28]
	if got := binary.BigEndian.Uint16(udp[0:2]); got != 40050 {
		t.Errorf("source port = %d, want 40050", got)
	}
	udpCopy := append([]byte(nil), udp...)
	udpCopy[6], udpCopy[7] = 0, 0
	wantUDPChecksum := udpChecksum(translatedIP, dstIP, udpCopy)
	if got := binary.BigEndian.Uint16(udp[6:8]); got != wantUDPChecksum {
		t.Errorf("UDP checksum = %#04x, want %#04x", got, wantUDPChecksum)
	}
}

func TestApplyBackwardUndoesForwardTranslation(t *testing.T) {
	origIP := addr4(10, 0, 0, 5)
	dstIP := addr4(93, 184, 216, 34)
	translatedIP := addr4(203, 0, 113, 9)

	// The reply travels from dstIP to the translated address/port; a
	// backward SNAT application should restore the original.
	pkt := buildIPv4UDP(dstIP, translatedIP, 53, 40050)
	buf := niclink.NewHeapBuffer(pkt)

	cache := &npc.Cache{}
	if err := cache.Populate(buf); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	policy := NewPolicy(1, PolicySrc, NewAddrPool(4, translatedIP), 40000, 40100, 0)
	binding := &conn.NATBinding{
		OrigAddr:       origIP,
		OrigID:         40000,
		TranslatedAddr: translatedIP,
		TranslatedID:   40050,
		PolicyID:       policy.ID,
	}

	if err := Apply(cache, policy, binding, conn.Backward); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ip := pkt[0:20]
	if got := ip[16:20]; !equalBytes(got, origIP[:4]) {
		t.Errorf("destination address not restored: got %v", got)
	}
	udp := pkt[20:28]
	if got := binary.BigEndian.Uint16(udp[2:4]); got != 40000 {
		t.Errorf("destination port = %d, want 40000", got)
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
