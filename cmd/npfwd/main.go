// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

// Command npfwd is the production dataplane daemon: it wires real
// AF_PACKET NICs to internal/pipeline.Pipeline via internal/npfsys,
// starts the background worker, and runs until signaled.
package main

import (
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/mdlayher/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/npfsys"
	"grimm.is/npfw/internal/pipeline"
	"grimm.is/npfw/internal/ruleset"
)

func main() {
	ifaceList := flag.String("ifaces", "", "comma-separated list of interfaces to run the dataplane over (first is treated as the default-route egress)")
	burst := flag.Int("burst", 64, "packets per RxBurst/TxBurst call")
	mtu := flag.Int("mtu", 1518, "per-buffer size, large enough for one full Ethernet frame")
	enablePPTP := flag.Bool("pptp-alg", false, "register the PPTP ALG")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics (§6 Stats) on this address")
	flag.Parse()

	ifaces := splitNonEmpty(*ifaceList)
	if len(ifaces) == 0 {
		log.Fatal("usage: npfwd -ifaces eth0,eth1 [-burst 64] [-pptp-alg]")
	}

	logger := logging.New(slog.LevelInfo)

	nic, err := niclink.NewPacketNIC(ifaces, packet.Raw, 0)
	if err != nil {
		log.Fatalf("open interfaces: %v", err)
	}
	defer nic.Close()

	routes := niclink.NewRefRoutingTable()
	egressIf := ifaces[0]
	if err := routes.Add(net.IPv4zero, 4, 0, niclink.Route{EgressIf: egressIf, AddrLen: 4}); err != nil {
		log.Fatalf("install default route: %v", err)
	}
	if err := routes.Add(net.IPv6zero, 16, 0, niclink.Route{EgressIf: egressIf, AddrLen: 16}); err != nil {
		log.Fatalf("install default route: %v", err)
	}

	reg := prometheus.NewRegistry()

	// Resolver is left unset: npfsys.New falls back to a stub that
	// always reports ErrRetry, so nothing egresses until a real
	// ARP/NDP collaborator is wired in. ARP/NDP is named an external
	// collaborator, not part of this dataplane's own scope.
	sys := npfsys.New(npfsys.Options{
		Logger:     logger,
		Routes:     routes,
		EnablePPTP: *enablePPTP,
		Registerer: reg,
		WorkerID:   "0",
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	// A default permissive stateful rule: a real deployment replaces
	// this via SetRuleset once its configuration loader (out of scope
	// here; see internal/config.StaticConfig) has compiled one.
	sys.Pipeline.SetRuleset(ruleset.New([]*ruleset.Rule{{
		ID:       uuid.New(),
		Priority: 1,
		Dir:      ruleset.DirBoth,
		Action:   ruleset.Pass,
		Stateful: true,
		Final:    true,
	}}))

	for i, name := range ifaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			log.Fatalf("lookup interface %q: %v", name, err)
		}
		var mac niclink.LinkAddr
		copy(mac[:], ifi.HardwareAddr)
		sys.Pipeline.AddEgress(name, &pipeline.Egress{NIC: nic, Port: i, LocalMAC: mac})
	}

	sys.Start()
	defer sys.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i, name := range ifaces {
		wg.Add(1)
		go runIngress(&wg, done, sys, nic, i, name, *burst, *mtu, logger)
	}

	<-stop
	logger.Info("shutting down", "signal", "received")
	close(done)
	wg.Wait()
}

// runIngress polls one interface's RxBurst in a loop and feeds every
// non-empty batch through the pipeline until done is closed.
func runIngress(wg *sync.WaitGroup, done <-chan struct{}, sys *npfsys.System, nic *niclink.PacketNIC, port int, name string, burst, mtu int, logger *logging.Logger) {
	defer wg.Done()

	pool := niclink.HeapPool{Headroom: 0}
	for {
		select {
		case <-done:
			return
		default:
		}

		bufs := make([]niclink.Buffer, burst)
		for i := range bufs {
			bufs[i] = pool.Alloc(mtu)
		}

		n, err := nic.RxBurst(port, 0, bufs)
		if err != nil {
			logger.Warn("rx burst failed", "iface", name, "err", err)
			continue
		}
		if n == 0 {
			for _, b := range bufs {
				b.Free()
			}
			continue
		}

		// Per-burst counts are for local logging only; the Prometheus
		// counters (§6 Stats) are incremented inside Pipeline itself via
		// the WorkerView npfsys.New already attached.
		sys.Pipeline.ProcessBurst(name, bufs[:n])
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
