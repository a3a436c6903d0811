// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports the per-worker counters named in §6 of the
// spec ("Stats"): packets-passed, packets-blocked, connection-create,
// connection-destroy, NAT-alloc-fail, portmap-exhaust, state-reject.
// Modeled on flywall's internal/ebpf/metrics/prometheus.go: one
// *prometheus.CounterVec per named counter, labeled by worker id so the
// "sum of per-CPU arrays" semantics of §6 fall out of Prometheus's own
// aggregation instead of hand-rolled per-CPU slices.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stats holds every counter a dataplane worker increments. A Stats value
// is never shared between workers for writes; each worker gets its own
// via WorkerView so increments never contend.
type Stats struct {
	PacketsPassed  *prometheus.CounterVec
	PacketsBlocked *prometheus.CounterVec
	ConnCreate     *prometheus.CounterVec
	ConnDestroy    *prometheus.CounterVec
	NATAllocFail   *prometheus.CounterVec
	PortmapExhaust *prometheus.CounterVec
	StateReject    *prometheus.CounterVec
}

// NewStats registers a fresh counter set against reg (pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry).
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		PacketsPassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_packets_passed_total",
			Help: "Packets that received a PASS verdict.",
		}, []string{"worker"}),
		PacketsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_packets_blocked_total",
			Help: "Packets that received a BLOCK verdict.",
		}, []string{"worker"}),
		ConnCreate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_connections_created_total",
			Help: "Connections inserted into the connection database.",
		}, []string{"worker"}),
		ConnDestroy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_connections_destroyed_total",
			Help: "Connections destroyed after EBR reclamation.",
		}, []string{"worker"}),
		NATAllocFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_nat_alloc_fail_total",
			Help: "NAT policy matched but address/port allocation failed.",
		}, []string{"worker"}),
		PortmapExhaust: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_portmap_exhaust_total",
			Help: "Portmap allocation requests that found no free slot.",
		}, []string{"worker"}),
		StateReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npfw_state_reject_total",
			Help: "Packets rejected by a per-protocol state tracker (e.g. out-of-window TCP).",
		}, []string{"worker"}),
	}
	for _, c := range []*prometheus.CounterVec{
		s.PacketsPassed, s.PacketsBlocked, s.ConnCreate, s.ConnDestroy,
		s.NATAllocFail, s.PortmapExhaust, s.StateReject,
	} {
		reg.MustRegister(c)
	}
	return s
}

// WorkerView is the label-bound counter handle a single dataplane worker
// holds for its entire lifetime; incrementing it is a single atomic add
// inside client_golang, matching §5's "dataplane workers must not sleep;
// they use only lock-free structures".
type WorkerView struct {
	PacketsPassed  prometheus.Counter
	PacketsBlocked prometheus.Counter
	ConnCreate     prometheus.Counter
	ConnDestroy    prometheus.Counter
	NATAllocFail   prometheus.Counter
	PortmapExhaust prometheus.Counter
	StateReject    prometheus.Counter
}

// ForWorker binds every counter to one worker label.
func (s *Stats) ForWorker(id string) *WorkerView {
	return &WorkerView{
		PacketsPassed:  s.PacketsPassed.WithLabelValues(id),
		PacketsBlocked: s.PacketsBlocked.WithLabelValues(id),
		ConnCreate:     s.ConnCreate.WithLabelValues(id),
		ConnDestroy:    s.ConnDestroy.WithLabelValues(id),
		NATAllocFail:   s.NATAllocFail.WithLabelValues(id),
		PortmapExhaust: s.PortmapExhaust.WithLabelValues(id),
		StateReject:    s.StateReject.WithLabelValues(id),
	}
}
