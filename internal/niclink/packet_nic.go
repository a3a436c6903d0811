// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package niclink

import (
	"fmt"
	"net"

	"github.com/mdlayher/packet"
)

// PacketNIC is a reference, non-authoritative NIC backed by a real
// Linux AF_PACKET socket per port (github.com/mdlayher/packet). It
// exists to exercise the opaque Buffer/NIC contract end to end against
// a real link in integration tests; the dataplane itself never depends
// on this concrete type, only on the NIC interface. Queue is ignored:
// AF_PACKET has no multiqueue notion the way a DPDK/XDP driver would,
// so every port has exactly one RX/TX path.
type PacketNIC struct {
	ports map[int]*packet.Conn
}

// NewPacketNIC opens one AF_PACKET socket per named interface, binding
// port i to ifaces[i]. socketType should normally be packet.Raw: the
// pipeline prepends its own Ethernet header before transmit and
// expects RxBurst to hand back full frames including theirs.
func NewPacketNIC(ifaces []string, socketType packet.Type, proto int) (*PacketNIC, error) {
	ports := make(map[int]*packet.Conn, len(ifaces))
	for i, name := range ifaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			closeAll(ports)
			return nil, fmt.Errorf("niclink: lookup interface %q: %w", name, err)
		}
		conn, err := packet.Listen(ifi, socketType, proto, nil)
		if err != nil {
			closeAll(ports)
			return nil, fmt.Errorf("niclink: listen on %q: %w", name, err)
		}
		ports[i] = conn
	}
	return &PacketNIC{ports: ports}, nil
}

func closeAll(ports map[int]*packet.Conn) {
	for _, c := range ports {
		c.Close()
	}
}

// Close releases every underlying socket.
func (n *PacketNIC) Close() error {
	var first error
	for _, c := range n.ports {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RxBurst reads up to len(bufs) frames from port into bufs, each
// buffer already sized to the driver's MTU by the caller's BufferPool.
// *HeapBuffer callers get their buffer's visible length shrunk to the
// bytes actually read; any other Buffer implementation is expected to
// already track its own received length.
func (n *PacketNIC) RxBurst(port, _ int, bufs []Buffer) (int, error) {
	conn, ok := n.ports[port]
	if !ok {
		return 0, fmt.Errorf("niclink: unknown port %d", port)
	}
	count := 0
	for _, b := range bufs {
		nread, _, err := conn.ReadFrom(b.Data())
		if err != nil {
			break
		}
		if nread == 0 {
			break
		}
		if hb, ok := b.(*HeapBuffer); ok {
			if err := hb.SetLength(nread); err != nil {
				break
			}
		}
		count++
	}
	return count, nil
}

// TxBurst writes each buffer's frame out port, using the frame's own
// destination MAC (the first 6 bytes) as the socket address.
func (n *PacketNIC) TxBurst(port, _ int, bufs []Buffer) (int, error) {
	conn, ok := n.ports[port]
	if !ok {
		return 0, fmt.Errorf("niclink: unknown port %d", port)
	}
	sent := 0
	for _, b := range bufs {
		data := b.Data()
		if len(data) < 6 {
			continue
		}
		addr := &packet.Addr{HardwareAddr: net.HardwareAddr(data[0:6])}
		if _, err := conn.WriteTo(data, addr); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
