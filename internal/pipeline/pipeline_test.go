// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/uuid"

	"grimm.is/npfw/internal/alg"
	"grimm.is/npfw/internal/conn"
	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/nat"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/ruleset"
)

func addr4(a, b, c, d byte) npc.Addr {
	var n npc.Addr
	n[0], n[1], n[2], n[3] = a, b, c, d
	return n
}

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

// buildFrame assembles an Ethernet+IPv4+UDP frame.
func buildFrame(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	total := 20 + udpLen
	pkt := make([]byte, 14+total)

	// Ethernet: dst, src, ethertype
	pkt[12], pkt[13] = 0x08, 0x00

	ip := pkt[14 : 14+20]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(total))
	ip[8] = 64
	ip[9] = 17 // UDP
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], naiveChecksum(ip))

	udp := pkt[14+20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	return pkt
}

func buildARPFrame() []byte {
	pkt := make([]byte, 42)
	pkt[12], pkt[13] = 0x08, 0x06
	return pkt
}

// rxBuffer wraps a full Ethernet frame as an incoming NIC buffer. Its
// own copy keeps each packet's backing array independent, and no
// headroom is reserved up front: the pipeline's own TrimFront(14) frees
// up exactly the room its later Prepend(14) needs back for the egress
// L2 header.
func rxBuffer(frame []byte) niclink.Buffer {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return niclink.NewHeapBuffer(cp)
}

type fakeNIC struct {
	sent [][]niclink.Buffer
}

func (n *fakeNIC) RxBurst(port, queue int, bufs []niclink.Buffer) (int, error) { return 0, nil }
func (n *fakeNIC) TxBurst(port, queue int, bufs []niclink.Buffer) (int, error) {
	n.sent = append(n.sent, bufs)
	return len(bufs), nil
}

type fakeResolver struct {
	mac    niclink.LinkAddr
	inputs int
}

func (r *fakeResolver) Resolve(egressIf string, nextHop net.IP) (niclink.LinkAddr, error) {
	return r.mac, nil
}
func (r *fakeResolver) Input(frame []byte) error {
	r.inputs++
	return nil
}

type fakeRoutes struct {
	iface string
}

func (r *fakeRoutes) Lookup(addr net.IP, alen int) (niclink.Route, bool) {
	return niclink.Route{EgressIf: r.iface, NextHop: addr, AddrLen: alen}, true
}

func newTestPipeline(rules []*ruleset.Rule) (*Pipeline, *fakeNIC, *fakeResolver) {
	db := conn.NewDB()
	policies := nat.NewPolicySet()
	algs := alg.NewRegistry()
	nic := &fakeNIC{}
	resolver := &fakeResolver{mac: niclink.LinkAddr{1, 2, 3, 4, 5, 6}}
	routes := &fakeRoutes{iface: "wan0"}

	p := New(db, policies, algs, nil, routes, resolver, logging.Noop())
	p.SetRuleset(ruleset.New(rules))
	p.AddEgress("wan0", &Egress{NIC: nic, Port: 0, Queue: 0, LocalMAC: niclink.LinkAddr{9, 9, 9, 9, 9, 9}})
	return p, nic, resolver
}

func passRule(stateful bool) *ruleset.Rule {
	return &ruleset.Rule{
		ID:       uuid.New(),
		Priority: 1,
		Dir:      ruleset.DirBoth,
		Action:   ruleset.Pass,
		Stateful: stateful,
		Final:    true,
	}
}

func blockRule() *ruleset.Rule {
	return &ruleset.Rule{
		ID:       uuid.New(),
		Priority: 1,
		Dir:      ruleset.DirBoth,
		Action:   ruleset.Block,
		Final:    true,
	}
}

func TestProcessBurstForwardsPassingPacket(t *testing.T) {
	p, nic, _ := newTestPipeline([]*ruleset.Rule{passRule(false)})

	frame := buildFrame([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 53, []byte("hi"))
	buf := rxBuffer(frame)

	stats := p.ProcessBurst("lan0", []niclink.Buffer{buf})

	if stats.Received != 1 || stats.Forwarded != 1 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v, want one forwarded packet", stats)
	}
	if len(nic.sent) != 1 || len(nic.sent[0]) != 1 {
		t.Fatalf("nic.sent = %+v, want one burst of one packet", nic.sent)
	}

	out := nic.sent[0][0].Data()
	if len(out) != len(frame) {
		t.Fatalf("egress frame len = %d, want %d", len(out), len(frame))
	}
	if out[12] != 0x08 || out[13] != 0x00 {
		t.Errorf("egress ethertype = %x%x, want 0800", out[12], out[13])
	}
	if string(out[0:6]) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("egress dst MAC not resolved from resolver")
	}
}

func TestProcessBurstDropsOnBlockRule(t *testing.T) {
	p, nic, _ := newTestPipeline([]*ruleset.Rule{blockRule()})

	frame := buildFrame([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 53, []byte("hi"))
	buf := rxBuffer(frame)

	stats := p.ProcessBurst("lan0", []niclink.Buffer{buf})

	if stats.Dropped != 1 || stats.Forwarded != 0 {
		t.Fatalf("stats = %+v, want one dropped packet", stats)
	}
	if len(nic.sent) != 0 {
		t.Fatalf("nic.sent = %+v, want nothing transmitted", nic.sent)
	}
}

func TestProcessBurstHandsARPToResolverAndDropsFromForwarding(t *testing.T) {
	p, nic, resolver := newTestPipeline([]*ruleset.Rule{passRule(false)})

	buf := niclink.NewHeapBuffer(buildARPFrame())
	stats := p.ProcessBurst("lan0", []niclink.Buffer{buf})

	if stats.ARP != 1 || stats.Forwarded != 0 {
		t.Fatalf("stats = %+v, want one ARP frame and nothing forwarded", stats)
	}
	if resolver.inputs != 1 {
		t.Errorf("resolver.inputs = %d, want 1", resolver.inputs)
	}
	if len(nic.sent) != 0 {
		t.Errorf("nic.sent = %+v, want nothing transmitted for an ARP frame", nic.sent)
	}
}

func TestProcessBurstStatefulRuleCreatesConnectionHitOnSecondPacket(t *testing.T) {
	p, _, _ := newTestPipeline([]*ruleset.Rule{passRule(true)})

	frame := buildFrame([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 53, []byte("hi"))

	p.ProcessBurst("lan0", []niclink.Buffer{rxBuffer(frame)})

	if n := p.db.Len(); n != 1 {
		t.Fatalf("db.Len() after first packet = %d, want 1", n)
	}

	// A second packet in the same flow should hit the connection rather
	// than re-matching the ruleset (no Final/Stateful re-evaluation
	// needed to pass it again).
	stats := p.ProcessBurst("lan0", []niclink.Buffer{rxBuffer(frame)})

	if stats.Forwarded != 1 {
		t.Fatalf("second packet stats = %+v, want forwarded via connection hit", stats)
	}
	if n := p.db.Len(); n != 1 {
		t.Fatalf("db.Len() after second packet = %d, want still 1 (no duplicate insert)", n)
	}
}

func TestProcessBurstAppliesNATTranslation(t *testing.T) {
	pool := nat.NewAddrPool(4, addr4(203, 0, 113, 9))
	policy := nat.NewPolicy(1, nat.PolicySrc, pool, 20000, 20010, 0)

	db := conn.NewDB()
	policies := nat.NewPolicySet()
	policies.Add(policy)
	algs := alg.NewRegistry()
	nic := &fakeNIC{}
	resolver := &fakeResolver{mac: niclink.LinkAddr{1, 2, 3, 4, 5, 6}}
	routes := &fakeRoutes{iface: "wan0"}

	p := New(db, policies, algs, nil, routes, resolver, logging.Noop())
	rule := passRule(true)
	rule.NATPolicy = 1
	p.SetRuleset(ruleset.New([]*ruleset.Rule{rule}))
	p.AddEgress("wan0", &Egress{NIC: nic, LocalMAC: niclink.LinkAddr{9, 9, 9, 9, 9, 9}})

	frame := buildFrame([4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8}, 40000, 53, []byte("hi"))
	buf := rxBuffer(frame)

	stats := p.ProcessBurst("lan0", []niclink.Buffer{buf})
	if stats.Forwarded != 1 {
		t.Fatalf("stats = %+v, want one forwarded packet", stats)
	}

	out := nic.sent[0][0].Data()
	gotSrc := out[14+12 : 14+16]
	want := []byte{203, 0, 113, 9}
	if string(gotSrc) != string(want) {
		t.Errorf("translated src = %v, want %v", gotSrc, want)
	}
}

// twoWayRoutes sends anything destined for the internal /24 back out
// lan0 and everything else out wan0, so a NAT response packet arriving
// on wan0 reaches the same connection's reverse path instead of being
// dropped for lack of a route.
type twoWayRoutes struct{}

func (twoWayRoutes) Lookup(addr net.IP, alen int) (niclink.Route, bool) {
	if ip4 := addr.To4(); ip4 != nil && ip4[0] == 10 {
		return niclink.Route{EgressIf: "lan0", NextHop: addr, AddrLen: alen}, true
	}
	return niclink.Route{EgressIf: "wan0", NextHop: addr, AddrLen: alen}, true
}

// TestProcessBurstNATReversePathIsIdempotent exercises the spec's NAT
// idempotence property: a response packet backward-translated once and
// fed through the pipeline a second time produces the same output and
// does not spawn a second connection or binding.
func TestProcessBurstNATReversePathIsIdempotent(t *testing.T) {
	pool := nat.NewAddrPool(4, addr4(203, 0, 113, 9))
	policy := nat.NewPolicy(1, nat.PolicySrc, pool, 20000, 20010, 0)

	db := conn.NewDB()
	policies := nat.NewPolicySet()
	policies.Add(policy)
	algs := alg.NewRegistry()
	lanNIC := &fakeNIC{}
	wanNIC := &fakeNIC{}
	resolver := &fakeResolver{mac: niclink.LinkAddr{1, 2, 3, 4, 5, 6}}

	p := New(db, policies, algs, nil, twoWayRoutes{}, resolver, logging.Noop())
	rule := passRule(true)
	rule.NATPolicy = 1
	p.SetRuleset(ruleset.New([]*ruleset.Rule{rule}))
	p.AddEgress("wan0", &Egress{NIC: wanNIC, LocalMAC: niclink.LinkAddr{9, 9, 9, 9, 9, 9}})
	p.AddEgress("lan0", &Egress{NIC: lanNIC, LocalMAC: niclink.LinkAddr{8, 8, 8, 8, 8, 8}})

	fwd := rxBuffer(buildFrame([4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8}, 40000, 53, []byte("hi")))
	if stats := p.ProcessBurst("lan0", []niclink.Buffer{fwd}); stats.Forwarded != 1 {
		t.Fatalf("forward stats = %+v, want one forwarded packet", stats)
	}
	if db.Len() != 1 {
		t.Fatalf("db.Len() after forward packet = %d, want 1", db.Len())
	}

	fwdOut := wanNIC.sent[0][0].Data()
	mappedPort := binary.BigEndian.Uint16(fwdOut[14+20+0 : 14+20+2])

	respFrame := buildFrame([4]byte{8, 8, 8, 8}, [4]byte{203, 0, 113, 9}, 53, mappedPort, []byte("bye"))

	var firstOut []byte
	for i := 0; i < 2; i++ {
		resp := rxBuffer(respFrame)
		stats := p.ProcessBurst("wan0", []niclink.Buffer{resp})
		if stats.Forwarded != 1 {
			t.Fatalf("reverse pass %d: stats = %+v, want one forwarded packet", i, stats)
		}
		if db.Len() != 1 {
			t.Fatalf("reverse pass %d: db.Len() = %d, want 1 (no duplicate connection)", i, db.Len())
		}

		out := lanNIC.sent[i][0].Data()
		gotDst := out[14+16 : 14+20]
		want := []byte{10, 0, 0, 5}
		if string(gotDst) != string(want) {
			t.Fatalf("reverse pass %d: translated dst = %v, want %v", i, gotDst, want)
		}
		if i == 0 {
			firstOut = append([]byte(nil), out...)
		} else if string(out) != string(firstOut) {
			t.Errorf("reverse pass 2 output differs from pass 1: got %v, want %v", out, firstOut)
		}
	}
}
