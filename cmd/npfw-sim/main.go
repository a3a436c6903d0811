// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command npfw-sim replays a PCAP file through the npfw dataplane
// pipeline without any real NICs, analogous to flywall-sim's replay
// mode but driving internal/pipeline.Pipeline directly instead of a
// learning/discovery engine.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"
	"github.com/google/uuid"

	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/npfsys"
	"grimm.is/npfw/internal/pipeline"
	"grimm.is/npfw/internal/ruleset"
)

func main() {
	pcapFile := flag.String("pcap", "", "PCAP file to replay")
	ingressIf := flag.String("ingress", "lan0", "ingress interface name packets are read as arriving on")
	egressIf := flag.String("egress", "wan0", "egress interface name the default route forwards to")
	action := flag.String("action", "pass", "default rule action: pass or block")
	stateful := flag.Bool("stateful", true, "whether the default pass rule is stateful")
	burst := flag.Int("burst", 32, "packets per simulated NIC burst")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("usage: npfw-sim -pcap <file> [-ingress lan0] [-egress wan0] [-action pass|block]")
	}

	act := ruleset.Pass
	if *action == "block" {
		act = ruleset.Block
	}

	sys := npfsys.New(npfsys.Options{
		Logger:   logging.New(slog.LevelInfo),
		Routes:   defaultRouteTable(*egressIf),
		Resolver: &fixedResolver{mac: niclink.LinkAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}},
	})
	sys.Pipeline.SetRuleset(ruleset.New([]*ruleset.Rule{{
		ID:       uuid.New(),
		Priority: 1,
		Dir:      ruleset.DirBoth,
		Action:   act,
		Stateful: *stateful,
		Final:    true,
	}}))

	nic := &countingNIC{iface: *egressIf}
	sys.Pipeline.AddEgress(*egressIf, &pipeline.Egress{
		NIC:      nic,
		LocalMAC: niclink.LinkAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	})

	sys.Start()
	defer sys.Stop()

	if err := replay(sys, *pcapFile, *ingressIf, *burst); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	fmt.Printf("forwarded %d packets out %s in %d TxBurst calls\n", nic.forwarded, *egressIf, nic.bursts)
}

// replay reads every packet from path and feeds it through sys's
// pipeline in ingress-interface bursts of size burst, the way a real
// NIC driver's RxBurst would hand a batch to the dataplane.
func replay(sys *npfsys.System, path, ingressIf string, burst int) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	defer handle.Close()

	src := gopacket.NewPacketSource(handle, handle.LinkType())

	var (
		batch    []niclink.Buffer
		total    int
		received int
		dropped  int
		forward  int
		arp      int
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		stats := sys.Pipeline.ProcessBurst(ingressIf, batch)
		received += stats.Received
		dropped += stats.Dropped
		forward += stats.Forwarded
		arp += stats.ARP
		batch = batch[:0]
	}

	start := time.Now()
	for packet := range src.Packets() {
		data := packet.Data()
		cp := make([]byte, len(data))
		copy(cp, data)
		batch = append(batch, niclink.NewHeapBuffer(cp))
		total++
		if len(batch) >= burst {
			flush()
		}
	}
	flush()

	fmt.Printf("replayed %d packets in %v: received=%d arp=%d forwarded=%d dropped=%d\n",
		total, time.Since(start), received, arp, forward, dropped)
	return nil
}

// defaultRouteTable returns a routing table with a single default
// route pointing everything at egressIf, enough for a single-interface
// replay; a multi-interface scenario would Add more specific prefixes.
func defaultRouteTable(egressIf string) niclink.RoutingTable {
	rt := niclink.NewRefRoutingTable()
	_ = rt.Add(net.IPv4zero, 4, 0, niclink.Route{EgressIf: egressIf, AddrLen: 4})
	_ = rt.Add(net.IPv6zero, 16, 0, niclink.Route{EgressIf: egressIf, AddrLen: 16})
	return rt
}

// fixedResolver always resolves to the same link address and never
// feeds anything back, standing in for a real ARP/NDP cache.
type fixedResolver struct{ mac niclink.LinkAddr }

func (r *fixedResolver) Resolve(egressIf string, nextHop net.IP) (niclink.LinkAddr, error) {
	return r.mac, nil
}
func (r *fixedResolver) Input(frame []byte) error { return nil }

// countingNIC discards every transmitted burst after counting it, a
// stand-in for a real driver's TxBurst when no physical NIC is wired.
type countingNIC struct {
	iface     string
	forwarded int
	bursts    int
}

func (n *countingNIC) RxBurst(port, queue int, bufs []niclink.Buffer) (int, error) { return 0, nil }

func (n *countingNIC) TxBurst(port, queue int, bufs []niclink.Buffer) (int, error) {
	n.bursts++
	n.forwarded += len(bufs)
	for _, b := range bufs {
		b.Free()
	}
	return len(bufs), nil
}
