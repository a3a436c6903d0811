// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline implements the per-burst packet orchestration of
// §4.10: classify, inbound-firewall, rule-procedure, route, outbound-
// firewall, NAT/ALG translate, then enqueue for one TX burst per
// egress interface.
package pipeline

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/npfw/internal/alg"
	"grimm.is/npfw/internal/classifier"
	"grimm.is/npfw/internal/conn"
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/logging"
	"grimm.is/npfw/internal/metrics"
	"grimm.is/npfw/internal/nat"
	"grimm.is/npfw/internal/niclink"
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/ruleset"
	"grimm.is/npfw/internal/state"
)

const etherTypeOff = 12
const etherHdrLen = 14
const etherTypeARP = 0x0806

// defaultConnTTL is the fallback expiry for a freshly created connection
// before its per-protocol tracker reports a phase-specific timeout.
const defaultConnTTL = 30 * time.Second

// Egress is the collaborator set a pipeline transmits through for one
// named interface (§6).
type Egress struct {
	NIC      niclink.NIC
	Port     int
	Queue    int
	LocalMAC niclink.LinkAddr
}

// Stats summarizes one ProcessBurst call.
type Stats struct {
	Received  int
	ARP       int
	Dropped   int
	Passed    int
	Forwarded int
	TxErrors  int
}

// Pipeline wires every subsystem of §4 into the 9-step packet path.
// A Pipeline is safe for concurrent use by multiple dataplane workers,
// each calling ProcessBurst for its own ingress interface/queue: the
// ruleset is swapped atomically, the connection DB and portmaps are
// already internally concurrent, and egress queues are built up
// per-call on the caller's own goroutine stack before a single TxBurst
// flush (§4.10 step 9), so workers never contend on a shared queue.
type Pipeline struct {
	db       *conn.DB
	policies *nat.PolicySet
	algs     *alg.Registry
	tables   classifier.Tables
	routes   niclink.RoutingTable
	resolver niclink.Resolver
	logger   *logging.Logger

	rules atomic.Pointer[ruleset.Ruleset]

	mu       sync.RWMutex
	egresses map[string]*Egress
	connTTL  time.Duration
	stats    *metrics.WorkerView

	tcpTimeouts     state.TCPTimeouts
	genericTimeouts state.GenericTimeouts
	greTimeouts     state.GenericTimeouts
}

// New returns a Pipeline with an empty ruleset (every packet dropped
// until SetRuleset is called) and no egresses configured.
func New(db *conn.DB, policies *nat.PolicySet, algs *alg.Registry, tables classifier.Tables, routes niclink.RoutingTable, resolver niclink.Resolver, logger *logging.Logger) *Pipeline {
	p := &Pipeline{
		db:       db,
		policies: policies,
		algs:     algs,
		tables:   tables,
		routes:   routes,
		resolver: resolver,
		logger:   logger,
		egresses: make(map[string]*Egress),
		connTTL:  defaultConnTTL,

		tcpTimeouts:     state.DefaultTCPTimeouts(),
		genericTimeouts: state.DefaultGenericTimeouts(),
		greTimeouts:     state.DefaultGRETimeouts(),
	}
	p.rules.Store(ruleset.New(nil))
	return p
}

// SetRuleset atomically swaps in a newly compiled ruleset.
func (p *Pipeline) SetRuleset(rs *ruleset.Ruleset) { p.rules.Store(rs) }

// SetConnTTL changes the TTL applied to freshly created connections
// (defaultConnTTL otherwise). It is safe to call concurrently with
// ProcessBurst; it only affects connections created afterward.
func (p *Pipeline) SetConnTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connTTL = ttl
}

// SetStats attaches the Prometheus counter handle this pipeline's
// worker increments (§6 "Stats"). A Pipeline with no WorkerView set
// runs with metrics a no-op, which is the zero value's behavior since
// every increment site checks p.stats for nil first.
func (p *Pipeline) SetStats(v *metrics.WorkerView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = v
}

func (p *Pipeline) statsView() *metrics.WorkerView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *Pipeline) currentRuleset() *ruleset.Ruleset { return p.rules.Load() }

// AddEgress registers (or replaces) the collaborator set used to
// transmit on iface.
func (p *Pipeline) AddEgress(iface string, e *Egress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.egresses[iface] = e
}

func (p *Pipeline) egressFor(iface string) (*Egress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.egresses[iface]
	return e, ok
}

// ProcessBurst runs every buffer in bufs through the 9-step pipeline
// (§4.10) and, on return, has already flushed every non-empty egress
// queue with one TxBurst call each (step 9).
func (p *Pipeline) ProcessBurst(ingress string, bufs []niclink.Buffer) Stats {
	var stats Stats
	queues := make(map[string][]niclink.Buffer)

	for _, buf := range bufs {
		stats.Received++
		outcome := p.handlePacket(ingress, buf, queues)
		switch outcome {
		case outcomeARP:
			stats.ARP++
		case outcomeDropped:
			stats.Dropped++
		case outcomeForwarded:
			stats.Passed++
			stats.Forwarded++
		}
	}

	stats.TxErrors = p.flush(queues)
	return stats
}

type outcome int

const (
	outcomeDropped outcome = iota
	outcomeARP
	outcomeForwarded
)

// handlePacket runs steps 1-8 of §4.10 for a single packet, queuing it
// onto its egress interface's slice in queues on success.
func (p *Pipeline) handlePacket(ingress string, buf niclink.Buffer, queues map[string][]niclink.Buffer) outcome {
	data := buf.Data()
	if len(data) < etherHdrLen {
		buf.Free()
		return outcomeDropped
	}

	// Step 1: L2 classification. ARP frames are handed to the resolver
	// and never forwarded; the resolver is responsible for transmitting
	// any reply it produces.
	if binary.BigEndian.Uint16(data[etherTypeOff:etherTypeOff+2]) == etherTypeARP {
		p.resolver.Input(data)
		buf.Free()
		return outcomeARP
	}

	// Step 2: strip L2.
	if _, err := buf.TrimFront(etherHdrLen); err != nil {
		buf.Free()
		return outcomeDropped
	}

	cache := &npc.Cache{}
	if err := cache.Populate(buf); err != nil {
		buf.Free()
		return outcomeDropped
	}
	pktLen := buf.Length()

	// Step 3: inbound firewall.
	c, connDir, hit := p.lookupConnection(cache)
	var decision ruleset.Action
	var proc ruleset.RuleProc

	if hit {
		// Lookup (and an ALG's custom Inspect) each hand back an extra
		// reference on c; release it once this packet is done with it.
		// The reference a fresh Insert below holds is the DB's own and
		// is never released here.
		defer c.Release()
		p.updateState(c, cache, connDir)
		decision = boolToAction(c.Decision())
		proc = c.Proc
	} else {
		res, err := p.currentRuleset().Inspect(cache, p.tables, ruleset.DirIn, ingress)
		if err != nil {
			buf.Free()
			return outcomeDropped
		}
		decision = res.Decision
		proc = res.Proc
		connDir = conn.Forward
		if res.Decision == ruleset.Pass && res.Stateful {
			c = p.createConnection(cache, res, ingress)
		}
	}

	// Step 4: rule procedures.
	if proc != nil {
		ctx := &ruleset.ProcContext{Cache: cache, Dir: ruleset.DirIn, Iface: ingress, PktLen: pktLen, Decision: decision}
		decision = proc.Process(ctx)
	}
	if decision != ruleset.Pass {
		if v := p.statsView(); v != nil {
			v.PacketsBlocked.Inc()
		}
		buf.Free()
		return outcomeDropped
	}

	// Step 5: route lookup.
	route, ok := p.routes.Lookup(cache.Dst.IP(cache.AddrLen), cache.AddrLen)
	if !ok {
		buf.Free()
		return outcomeDropped
	}

	// Step 6: outbound firewall pass for the egress interface. A
	// connection hit already validated the flow bidirectionally at
	// creation time, so only a fresh (miss-path) decision re-runs the
	// walk in the OUT direction.
	if !hit {
		res, err := p.currentRuleset().Inspect(cache, p.tables, ruleset.DirOut, route.EgressIf)
		if err != nil || res.Decision != ruleset.Pass {
			buf.Free()
			return outcomeDropped
		}
	}

	// Step 7: NAT/ALG translation, forward direction on outbound.
	if c != nil {
		if err := p.translate(cache, buf, c, connDir); err != nil {
			buf.Free()
			return outcomeDropped
		}
	}

	egress, ok := p.egressFor(route.EgressIf)
	if !ok {
		buf.Free()
		return outcomeDropped
	}

	// Step 8: resolve next-hop link address and prepend L2.
	linkAddr, err := p.resolver.Resolve(route.EgressIf, route.NextHop)
	if err != nil {
		buf.Free()
		return outcomeDropped
	}
	l2 := buf.Prepend(etherHdrLen)
	copy(l2[0:6], linkAddr[:])
	copy(l2[6:12], egress.LocalMAC[:])
	binary.BigEndian.PutUint16(l2[12:14], etherTypeFor(cache))

	if v := p.statsView(); v != nil {
		v.PacketsPassed.Inc()
	}
	queues[route.EgressIf] = append(queues[route.EgressIf], buf)
	return outcomeForwarded
}

// lookupConnection tries the standard 5-tuple DB lookup first, falling
// back to each registered ALG's custom lookup (§4.8 step 5) for
// protocols whose data packets carry no port.
func (p *Pipeline) lookupConnection(cache *npc.Cache) (*conn.Connection, conn.Direction, bool) {
	if c, dir, ok := p.db.Lookup(cache.ForwardKey()); ok {
		return c, dir, true
	}
	if c, _, ok := p.algs.Inspect(cache); ok {
		// An ALG custom lookup resolves the direction the standard key
		// could not: the child connection's own key models the
		// opposite direction, so a hit here is always the reverse leg.
		return c, conn.Backward, true
	}
	return nil, 0, false
}

// updateState feeds the packet to the connection's per-protocol
// tracker (§4.5) and records the resulting phase as the connection's
// pass/block decision and expiry.
func (p *Pipeline) updateState(c *conn.Connection, cache *npc.Cache, dir conn.Direction) {
	sdir := state.Forward
	if dir == conn.Backward {
		sdir = state.Backward
	}

	switch tracker := c.State.(type) {
	case *state.TCPFlow:
		payloadLen := l4PayloadLen(cache)
		seg, err := state.ParseSegment(cache, sdir, payloadLen)
		if err != nil {
			return
		}
		ok, err := tracker.Inspect(seg)
		if err != nil || !ok {
			c.SetDecision(false)
			if v := p.statsView(); v != nil {
				v.StateReject.Inc()
			}
			return
		}
		c.SetDecision(true)
		c.SetExpiry(time.Now().Add(p.tcpTimeouts.Timeout(tracker.Phase())))
	case *state.Generic:
		ok, err := tracker.Inspect(sdir)
		if err != nil || !ok {
			c.SetDecision(false)
			if v := p.statsView(); v != nil {
				v.StateReject.Inc()
			}
			return
		}
		c.SetDecision(true)
		timeouts := p.genericTimeouts
		if cache.Info&npc.InfoGRE != 0 {
			timeouts = p.greTimeouts
		}
		c.SetExpiry(time.Now().Add(timeouts.Timeout(tracker.Phase())))
	default:
		c.SetDecision(true)
	}
}

// createConnection implements §4.10 step 3's "on PASS with stateful
// rule, create and insert a connection": it allocates a per-protocol
// tracker, an optional NAT binding from the matched rule's policy, and
// gives every registered ALG a chance to claim the flow.
func (p *Pipeline) createConnection(cache *npc.Cache, res ruleset.Result, ingress string) *conn.Connection {
	p.mu.RLock()
	connTTL := p.connTTL
	p.mu.RUnlock()

	key := cache.ForwardKey()
	c := conn.New(key, connTTL, time.Now())
	c.Proc = res.Proc
	c.SetDecision(true)

	switch {
	case cache.Info&npc.InfoTCP != 0:
		c.State = state.NewTCPFlow()
	case cache.Info&npc.InfoGRE != 0:
		c.State = state.NewGeneric()
		c.SetExpiry(time.Now().Add(p.greTimeouts.Established))
	default:
		c.State = state.NewGeneric()
	}

	if res.NATPolicy != ruleset.NoNATPolicy {
		if policy, ok := p.policies.Lookup(res.NATPolicy); ok {
			origAddr, origID := natOrigEndpoint(cache, policy.Type)
			binding, err := policy.Allocate(origAddr, origID)
			if err == nil {
				c.NAT.Store(binding)
				c.Key2 = natReverseKey(cache, policy.Type, binding)
			} else if v := p.statsView(); v != nil {
				if npfwerrors.GetKind(err) == npfwerrors.KindUnavailable {
					v.PortmapExhaust.Inc()
				} else {
					v.NATAllocFail.Inc()
				}
			}
		}
	}

	if a := p.algs.MatchFirst(cache, l4Payload(cache), c, conn.Forward); a != nil {
		c.ALG = a
	}

	if err := p.db.Insert(c); err != nil {
		return nil
	}
	if v := p.statsView(); v != nil {
		v.ConnCreate.Inc()
	}
	return c
}

// translate runs NAT rewrite (if c owns a binding) and any attached
// ALG's payload rewrite (§4.8 steps 2-4, §4.7) for dir. Both rewrite
// headers in place within buf's backing array, so no recache is needed
// afterward: header lengths never change, only field values.
func (p *Pipeline) translate(cache *npc.Cache, buf niclink.Buffer, c *conn.Connection, dir conn.Direction) error {
	if binding := c.NAT.Load(); binding != nil {
		if policy, ok := p.policies.Lookup(binding.PolicyID); ok {
			if err := nat.Apply(cache, policy, binding, dir); err != nil {
				return err
			}
		}
	}
	if a, ok := c.ALG.(alg.ALG); ok {
		return a.Translate(cache, l4Payload(cache), c, dir)
	}
	return nil
}

// flush implements §4.10 step 9: send one TxBurst per non-empty egress
// queue built up during this call's ProcessBurst.
func (p *Pipeline) flush(queues map[string][]niclink.Buffer) int {
	errs := 0
	for iface, bufs := range queues {
		egress, ok := p.egressFor(iface)
		if !ok {
			for _, b := range bufs {
				b.Free()
			}
			errs += len(bufs)
			continue
		}
		n, _ := egress.NIC.TxBurst(egress.Port, egress.Queue, bufs)
		if n < len(bufs) {
			errs += len(bufs) - n
			for _, b := range bufs[n:] {
				b.Free()
			}
		}
	}
	return errs
}

func boolToAction(pass bool) ruleset.Action {
	if pass {
		return ruleset.Pass
	}
	return ruleset.Block
}

// l4PayloadLen reports the TCP segment payload length implied by the
// cache's L3 total length and L4 header size.
func l4PayloadLen(cache *npc.Cache) uint32 {
	total := cache.L4Off + len(cache.L4Header())
	full := len(cache.L3Header())
	if full <= total {
		return 0
	}
	return uint32(full - total)
}

// l4Payload returns the bytes following the L4 header, the view an ALG
// inspects/rewrites.
func l4Payload(cache *npc.Cache) []byte {
	l3 := cache.L3Header()
	off := cache.L4Off + len(cache.L4Header())
	if off >= len(l3) {
		return nil
	}
	return l3[off:]
}

// natOrigEndpoint picks which of a packet's own (address, id) pair a
// policy of the given type binds on first sight (§4.7 step 1).
func natOrigEndpoint(cache *npc.Cache, typ nat.PolicyType) (npc.Addr, uint16) {
	if typ == nat.PolicySrc {
		return cache.Src, cache.SrcID
	}
	return cache.Dst, cache.DstID
}

// natReverseKey replaces the plain reversed key (conn.New's default
// Key2) with one that matches the wire tuple a response packet
// actually carries once it has crossed a NAT boundary: the side a
// PolicySrc/PolicyDst binding translates now reads the binding's
// translated address/id instead of the original one, so the reverse
// leg's own untranslated cache key (built straight from its headers)
// lands on the same connection without any de-NAT step ahead of the
// DB lookup.
func natReverseKey(cache *npc.Cache, typ nat.PolicyType, binding *conn.NATBinding) npc.Key {
	k := npc.Key{
		Proto:   cache.Proto,
		AddrLen: uint8(cache.AddrLen),
	}
	if typ == nat.PolicySrc {
		k.Src, k.SrcID = cache.Dst, cache.DstID
		k.Dst, k.DstID = binding.TranslatedAddr, binding.TranslatedID
	} else {
		k.Src, k.SrcID = binding.TranslatedAddr, binding.TranslatedID
		k.Dst, k.DstID = cache.Src, cache.SrcID
	}
	return k
}

// etherTypeFor returns the EtherType to prepend for an egress frame.
func etherTypeFor(cache *npc.Cache) uint16 {
	if cache.Info&npc.InfoIP6 != 0 {
		return 0x86dd
	}
	return 0x0800
}

// DestroyConnection is the destroy callback internal/conn.DB.GC expects
// (§4.6): it releases any NAT binding's port and tears down any
// attached ALG state.
func (p *Pipeline) DestroyConnection(c *conn.Connection) {
	if binding := c.NAT.Load(); binding != nil {
		if policy, ok := p.policies.Lookup(binding.PolicyID); ok {
			policy.Release(binding)
		}
	}
	if a, ok := c.ALG.(alg.ALG); ok {
		a.Destroy(c)
	}
	if v := p.statsView(); v != nil {
		v.ConnDestroy.Inc()
	}
}
