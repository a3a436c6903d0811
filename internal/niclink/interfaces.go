// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package niclink declares the external collaborator interfaces of §6 of
// the spec: the NIC driver's burst RX/TX, the opaque packet buffer, the
// ARP/neighbor resolver, and the routing table. These are consumed, not
// owned, by the dataplane — production deployments wire their own
// implementations (a DPDK/AF_PACKET/XDP driver, a real ARP cache, the
// kernel's routing table). npfw ships small reference implementations
// (buffer.go, route_ref.go), used by cmd/npfw-sim and tests;
// RefRoutingTable is also the default routing table of cmd/npfwd and of
// npfsys.New when no routing table is given, mirroring how flywall's internal/kernel ships both a Linux
// provider and a simulation provider behind one Kernel interface.
package niclink

import "net"

// Buffer is the opaque per-packet buffer contract: alloc/free/data_ptr/
// length/next/prepend/linearize from §6. A buffer may be a chain (mbuf
// style); Linearize(n) must make the first n bytes contiguous
// so the packet cache can take header views directly into it.
type Buffer interface {
	// Data returns the bytes of this segment only (not the whole chain).
	Data() []byte
	// Length returns len(Data()).
	Length() int
	// Next returns the next buffer in the chain, or nil at the end.
	Next() Buffer
	// Prepend grows the buffer by n bytes at the front (for L2/NAT header
	// rewrite) and returns the new Data() including the grown region.
	Prepend(n int) []byte
	// Linearize ensures the first n bytes of the logical packet are one
	// contiguous slice, collapsing buffer-chain segments if needed, and
	// returns that slice. It is a no-op if already contiguous.
	Linearize(n int) ([]byte, error)
	// TrimFront removes n bytes from the front of the buffer (the
	// inverse of Prepend, used to strip an L2 header before the packet
	// cache is populated) and returns the remaining Data().
	TrimFront(n int) ([]byte, error)
	// Free releases the buffer (and its chain) back to the driver's pool.
	Free()
}

// BufferPool allocates fresh Buffers, the "alloc" half of §6's contract.
type BufferPool interface {
	Alloc(size int) Buffer
}

// NIC is the burst RX/TX collaborator. Buffers returned by RxBurst and
// consumed by TxBurst are driver-owned; the dataplane must Free() any it
// does not hand back to TxBurst.
type NIC interface {
	RxBurst(port, queue int, bufs []Buffer) (n int, err error)
	TxBurst(port, queue int, bufs []Buffer) (n int, err error)
}

// LinkAddr is a resolved link-layer (MAC) address.
type LinkAddr [6]byte

// ErrRetry is returned by Resolver.Resolve when resolution is in
// progress and the caller should hold the packet or drop it per policy.
var ErrRetry = errRetry{}

type errRetry struct{}

func (errRetry) Error() string { return "niclink: resolution in progress, retry" }

// Resolver abstracts ARP/NDP neighbor resolution.
type Resolver interface {
	// Resolve returns the link address for nextHop on egress interface
	// egressIf, or ErrRetry if resolution was just triggered and has not
	// completed yet.
	Resolve(egressIf string, nextHop net.IP) (LinkAddr, error)
	// Input feeds a received ARP/NDP frame to the resolver so it can
	// populate its cache and answer pending Resolve calls.
	Input(frame []byte) error
}

// Route is one routing-table lookup result: the longest-prefix match
// consumed by the pipeline's forwarding decision (§4.10 step 5).
type Route struct {
	EgressIf string
	NextHop  net.IP
	AddrLen  int
}

// RoutingTable abstracts the (out of scope, library-consumed) LPM
// routing primitive.
type RoutingTable interface {
	Lookup(addr net.IP, alen int) (Route, bool)
}
