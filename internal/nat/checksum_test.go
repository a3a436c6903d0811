// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"encoding/binary"
	"testing"

	"grimm.is/npfw/internal/npc"
)

// naiveChecksum is the textbook Internet checksum (RFC 1071),
// independent of the incremental RFC 1624 logic under test.
func naiveChecksum(data []byte) uint16 {
	sum := 0
	for i := 0; i+1 < len(data); i += 2 {
		sum += int(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += int(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func addr4(a, b, c, d byte) npc.Addr {
	var n npc.Addr
	n[0], n[1], n[2], n[3] = a, b, c, d
	return n
}

func TestFixChecksumAddrMatchesFullRecompute(t *testing.T) {
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:4], 20)
	hdr[8] = 64
	hdr[9] = 17
	old := addr4(10, 0, 0, 5)
	copy(hdr[12:16], old[:4])
	copy(hdr[16:20], addr4(192, 168, 1, 1)[:4])

	hdr[10], hdr[11] = 0, 0
	checksum := naiveChecksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], checksum)

	newAddr := addr4(203, 0, 113, 9)
	fixed := fixChecksumAddr(checksum, old, newAddr, 4)
	copy(hdr[12:16], newAddr[:4])
	binary.BigEndian.PutUint16(hdr[10:12], fixed)

	verify := make([]byte, 20)
	copy(verify, hdr)
	verify[10], verify[11] = 0, 0
	want := naiveChecksum(verify)
	if fixed != want {
		t.Errorf("incrementally fixed checksum = %#04x, full recompute = %#04x", fixed, want)
	}
}

func TestFixChecksumPortMatchesFullRecompute(t *testing.T) {
	data := []byte{0x1f, 0x90, 0x00, 0x35, 0x00, 0x08, 0x00, 0x00} // UDP header, checksum zeroed
	checksum := naiveChecksum(data)
	binary.BigEndian.PutUint16(data[6:8], checksum)

	oldPort := binary.BigEndian.Uint16(data[0:2])
	newPort := uint16(55000)
	fixed := fixChecksumPort(checksum, oldPort, newPort)
	binary.BigEndian.PutUint16(data[0:2], newPort)
	binary.BigEndian.PutUint16(data[6:8], fixed)

	verify := make([]byte, len(data))
	copy(verify, data)
	verify[6], verify[7] = 0, 0
	want := naiveChecksum(verify)
	if fixed != want {
		t.Errorf("incrementally fixed checksum = %#04x, full recompute = %#04x", fixed, want)
	}
}
