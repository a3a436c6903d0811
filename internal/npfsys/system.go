// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package npfsys wires every subsystem (connection database, NAT
// policy set, ALG registry, table registry, pipeline, background
// worker) into one explicit value, per the "Global-state patterns"
// redesign: the original carries process-wide registries and a kernel
// context singleton, replaced here with a System a caller constructs,
// owns, and can discard, so tests never share state across instances
// the way a package-level singleton would force them to.
package npfsys

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/npfw/internal/alg"
	"grimm.is/npfw/internal/alg/pptp"
	"grimm.is/npfw/internal/conn"
	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/metrics"
	"grimm.is/npfw/internal/nat"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/pipeline"
	"grimm.is/npfw/internal/worker"
)

// Options configures a System. The zero value is usable: every field
// falls back to an in-memory default suitable for tests and
// cmd/npfw-sim; a production cmd/npfwd supplies real collaborators.
type Options struct {
	// Resolver and Routes are the external collaborators of §6; nil
	// falls back to a RefRoutingTable and a resolver that always fails
	// (no ARP, so egress packets drop), matching an unconfigured host
	// having no route.
	Resolver niclink.Resolver
	Routes   niclink.RoutingTable

	Logger *logging.Logger

	// GCPeriod is the worker's wakeup period; DefaultPeriod if zero.
	GCPeriod time.Duration
	// ConnTTL is the idle timeout applied to non-TCP/GRE connections
	// and the default new-connection TTL before any state machine has
	// classified the flow.
	ConnTTL time.Duration

	// EnablePPTP registers the PPTP ALG (§4.8) against the System's own
	// connection database.
	EnablePPTP        bool
	PPTPWANErrorLimit int
	PPTPGRETTL        time.Duration

	// Registerer is where the System's Stats counters are registered;
	// nil falls back to a fresh prometheus.NewRegistry() so two Systems
	// in the same test binary never collide on the default registry.
	Registerer prometheus.Registerer
	// WorkerID labels the Stats counters this System's pipeline
	// increments; defaults to "0" for a single-worker caller such as
	// cmd/npfw-sim.
	WorkerID string
}

// System is the wired-up dataplane: every subsystem a field, assembled
// once by New and then driven by Start/Stop and the Pipeline/Tables
// accessors.
type System struct {
	DB       *conn.DB
	Policies *nat.PolicySet
	ALGs     *alg.Registry
	Tables   *TableRegistry
	Pipeline *pipeline.Pipeline
	Worker   *worker.Worker
	Logger   *logging.Logger
	Stats    *metrics.Stats
}

// New assembles a System from opts, registers the connection
// database's G/C pass as the worker's first work function (mirroring
// the original's npf_worker.c, where G/C is simply the first
// registrant of a general-purpose named registry), and returns it
// without starting the worker; call Start to begin the periodic loop.
func New(opts Options) *System {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Noop()
	}

	routes := opts.Routes
	if routes == nil {
		routes = niclink.NewRefRoutingTable()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = noResolver{}
	}

	db := conn.NewDB()
	policies := nat.NewPolicySet()
	algs := alg.NewRegistry()
	if opts.EnablePPTP {
		threshold := opts.PPTPWANErrorLimit
		if threshold == 0 {
			threshold = 1
		}
		greTTL := opts.PPTPGRETTL
		if greTTL == 0 {
			greTTL = time.Hour
		}
		algs.Register(pptp.New(db, threshold, greTTL))
	}
	tables := NewTableRegistry()

	pl := pipeline.New(db, policies, algs, tables, routes, resolver, logger)
	if opts.ConnTTL > 0 {
		pl.SetConnTTL(opts.ConnTTL)
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "0"
	}
	stats := metrics.NewStats(reg)
	pl.SetStats(stats.ForWorker(workerID))

	w := worker.New(opts.GCPeriod)
	w.Register("gc", func(now time.Time) {
		db.GC(now, false, false, pl.DestroyConnection)
	})

	return &System{
		DB:       db,
		Policies: policies,
		ALGs:     algs,
		Tables:   tables,
		Pipeline: pl,
		Worker:   w,
		Logger:   logger,
		Stats:    stats,
	}
}

// Start launches the background worker's periodic loop on its own
// goroutine. The caller owns that goroutine's lifetime via Stop.
func (s *System) Start() {
	go s.Worker.Run()
}

// Stop shuts the worker down and waits for its goroutine to return.
func (s *System) Stop() {
	s.Worker.Stop()
}

// noResolver is the zero-value Resolver: it never resolves anything
// and records nothing, matching an unconfigured host with no ARP
// collaborator wired in.
type noResolver struct{}

func (noResolver) Resolve(string, net.IP) (niclink.LinkAddr, error) {
	return niclink.LinkAddr{}, niclink.ErrRetry
}
func (noResolver) Input([]byte) error { return nil }
