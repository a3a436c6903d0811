// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import (
	"encoding/binary"

	"grimm.is/npfw/internal/npc"
)

// fixChecksum applies RFC 1624's incremental checksum update to
// checksum (stored in network byte order, ones-complement) given the
// 16-bit words being replaced. It works identically whether the
// changed words belong to the IPv4 header itself or to an L4 checksum
// whose pseudo-header included them, because both are plain
// ones-complement sums.
func fixChecksum(checksum uint16, oldWords, newWords []uint16) uint16 {
	sum := uint32(^checksum) & 0xffff
	for i := range oldWords {
		sum += uint32(^oldWords[i]) & 0xffff
		sum += uint32(newWords[i])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// addrWords splits the first alen bytes of addr into big-endian 16-bit
// words for checksum purposes.
func addrWords(addr npc.Addr, alen int) []uint16 {
	words := make([]uint16, alen/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(addr[i*2 : i*2+2])
	}
	return words
}

// fixChecksumAddr updates checksum for an address field changing from
// oldAddr to newAddr.
func fixChecksumAddr(checksum uint16, oldAddr, newAddr npc.Addr, alen int) uint16 {
	return fixChecksum(checksum, addrWords(oldAddr, alen), addrWords(newAddr, alen))
}

// fixChecksumPort updates checksum for a 16-bit port or id field
// changing from oldPort to newPort.
func fixChecksumPort(checksum, oldPort, newPort uint16) uint16 {
	return fixChecksum(checksum, []uint16{oldPort}, []uint16{newPort})
}
