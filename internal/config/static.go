// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/nat"
	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/ruleset"
	"grimm.is/npfw/internal/table"
)

// StaticConfig is the HCL-decoded source an external loader reads from
// disk: rule, table and nat blocks, using the same hcl:"...,block"/
// ",optional" tag convention flywall's own Config uses. It is a pure
// data representation; Compile turns it into the runtime Ruleset,
// Table and nat.Policy values the pipeline actually runs against.
type StaticConfig struct {
	Rules  []RuleBlock  `hcl:"rule,block"`
	Tables []TableBlock `hcl:"table,block"`
	NAT    []NATBlock   `hcl:"nat,block"`
}

// RuleBlock is one top-level or nested rule. Label is the block's HCL
// label (`rule "allow-lan" { ... }`), used only for diagnostics and
// matched_rule_id reporting by a future config-protocol layer; it does
// not participate in matching.
//
// @example rule "allow-lan" { priority = 10, direction = "both", action = "pass", stateful = true }
type RuleBlock struct {
	Label     string       `hcl:"label,label"`
	Priority  int          `hcl:"priority"`
	Direction string       `hcl:"direction,optional"` // "in", "out", or "both" (default)
	Action    string       `hcl:"action"`             // "pass" or "block"
	Iface     string       `hcl:"iface,optional"`
	Stateful  bool         `hcl:"stateful,optional"`
	Final     bool         `hcl:"final,optional"`
	NATPolicy uint32       `hcl:"nat_policy,optional"`
	Match     *MatchBlock  `hcl:"match,block"`
	Subrules  []RuleBlock  `hcl:"rule,block"`
}

// MatchBlock is a rule's optional filter condition, lowered to
// byte-code by ruleset.Compile via a ruleset.MatchSpec. Proto is a
// protocol name ("tcp", "udp", "icmp", "gre") or a bare number;
// SrcTable/DstTable name a table block's label, resolved against
// StaticConfig.Tables at Compile time.
//
// @example match { proto = "tcp", dst_table = "web-servers" }
type MatchBlock struct {
	Proto    string `hcl:"proto,optional"`
	SrcTable string `hcl:"src_table,optional"`
	DstTable string `hcl:"dst_table,optional"`
}

// TableBlock is one named address-set table (§4.2). Kind selects which
// of the four variants backs it; Entries are CIDR strings ("10.0.0.0/8",
// "::1/128") or bare addresses, parsed at Compile time and inserted for
// every kind, IFADDR included. Nothing here updates an IFADDR table from
// an interface's live addresses.
//
// @example table "web-servers" { kind = "ipset", entries = ["10.0.0.0/24"] }
type TableBlock struct {
	Label   string   `hcl:"label,label"`
	Kind    string   `hcl:"kind"` // "ipset", "lpm", "const", or "ifaddr"
	Entries []string `hcl:"entries,optional"`
}

// NATBlock is one NAT policy (§4.7). Type is "src" (masquerade) or
// "dst" (port-forward); Pool is a list of bare-address strings (CIDR
// notation is rejected) the translated address is drawn from
// round-robin.
//
// @example nat "masquerade-wan" { type = "src", pool = ["203.0.113.9"], port_min = 1024, port_max = 65535 }
type NATBlock struct {
	Label             string   `hcl:"label,label"`
	Type              string   `hcl:"type"`
	Pool              []string `hcl:"pool"`
	PortMin           int      `hcl:"port_min,optional"`
	PortMax           int      `hcl:"port_max,optional"`
	NoPortTranslate   bool     `hcl:"no_port_translate,optional"`
	NoNATLog          bool     `hcl:"no_nat_log,optional"`
}

// LoadStaticConfigFile decodes path into a StaticConfig, mirroring
// flywall's LoadConfigFile(path)/hclsimple.Decode pattern.
func LoadStaticConfigFile(path string) (*StaticConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, npfwerrors.Errorf(npfwerrors.KindNotFound, "config: read %s: %v", path, err)
	}
	return LoadStaticConfigBytes(path, data)
}

// LoadStaticConfigBytes decodes HCL source already in memory (config
// received over a socket, embedded in a test).
func LoadStaticConfigBytes(filename string, data []byte) (*StaticConfig, error) {
	var cfg StaticConfig
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, npfwerrors.Errorf(npfwerrors.KindValidation, "config: decode %s: %v", filename, err)
	}
	return &cfg, nil
}

// Compiled holds the runtime values StaticConfig compiles down to.
type Compiled struct {
	Ruleset  *ruleset.Ruleset
	Tables   map[uint32]table.Table // keyed by the hash Compile assigns each table's label
	Policies map[uint32]*nat.Policy
}

// Compile turns sc into runtime values. Table and NAT policy labels are
// mapped to uint32 ids by hashing the label with tableID; a rule's
// match.{src,dst}_table fields are resolved by label to the table ids
// Compile assigns here. A rule's nat_policy is not resolved by label:
// it is copied into the rule as the number written in the config, so
// it names a compiled policy only if it equals that policy's hashed id.
func Compile(sc *StaticConfig) (*Compiled, error) {
	tableIDs := make(map[string]uint32, len(sc.Tables))
	tables := make(map[uint32]table.Table, len(sc.Tables))
	for _, tb := range sc.Tables {
		id := tableID(tb.Label)
		t, err := compileTable(tb)
		if err != nil {
			return nil, fmt.Errorf("config: table %q: %w", tb.Label, err)
		}
		tableIDs[tb.Label] = id
		tables[id] = t
	}

	policyIDs := make(map[string]uint32, len(sc.NAT))
	policies := make(map[uint32]*nat.Policy, len(sc.NAT))
	for _, nb := range sc.NAT {
		id := tableID(nb.Label)
		p, err := compilePolicy(id, nb)
		if err != nil {
			return nil, fmt.Errorf("config: nat %q: %w", nb.Label, err)
		}
		policyIDs[nb.Label] = id
		policies[id] = p
	}

	specs, err := compileRuleBlocks(sc.Rules, tableIDs, policyIDs)
	if err != nil {
		return nil, err
	}
	rs, err := ruleset.Compile(specs)
	if err != nil {
		return nil, fmt.Errorf("config: compiling ruleset: %w", err)
	}

	return &Compiled{Ruleset: rs, Tables: tables, Policies: policies}, nil
}

func compileRuleBlocks(blocks []RuleBlock, tableIDs, policyIDs map[string]uint32) ([]ruleset.RuleSpec, error) {
	specs := make([]ruleset.RuleSpec, 0, len(blocks))
	for _, rb := range blocks {
		spec, err := compileRuleBlock(rb, tableIDs, policyIDs)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func compileRuleBlock(rb RuleBlock, tableIDs, policyIDs map[string]uint32) (ruleset.RuleSpec, error) {
	dir, err := parseDirection(rb.Direction)
	if err != nil {
		return ruleset.RuleSpec{}, fmt.Errorf("rule %q: %w", rb.Label, err)
	}
	action, err := parseAction(rb.Action)
	if err != nil {
		return ruleset.RuleSpec{}, fmt.Errorf("rule %q: %w", rb.Label, err)
	}

	var natPolicy uint32
	if rb.NATPolicy != 0 {
		natPolicy = rb.NATPolicy
	}

	var match *ruleset.MatchSpec
	if rb.Match != nil {
		m, err := compileMatchBlock(*rb.Match, tableIDs)
		if err != nil {
			return ruleset.RuleSpec{}, fmt.Errorf("rule %q: %w", rb.Label, err)
		}
		match = m
	}

	subrules, err := compileRuleBlocks(rb.Subrules, tableIDs, policyIDs)
	if err != nil {
		return ruleset.RuleSpec{}, err
	}

	return ruleset.RuleSpec{
		Priority:  rb.Priority,
		Dir:       dir,
		Action:    action,
		Iface:     rb.Iface,
		Stateful:  rb.Stateful,
		Final:     rb.Final,
		NATPolicy: natPolicy,
		Match:     match,
		Subrules:  subrules,
	}, nil
}

func compileMatchBlock(mb MatchBlock, tableIDs map[string]uint32) (*ruleset.MatchSpec, error) {
	m := &ruleset.MatchSpec{}

	if mb.Proto != "" {
		proto, err := parseProto(mb.Proto)
		if err != nil {
			return nil, err
		}
		m.Proto = proto
	}
	if mb.SrcTable != "" {
		id, ok := tableIDs[mb.SrcTable]
		if !ok {
			return nil, npfwerrors.Errorf(npfwerrors.KindNotFound, "config: src_table %q not declared", mb.SrcTable)
		}
		m.SrcTable = id
	}
	if mb.DstTable != "" {
		id, ok := tableIDs[mb.DstTable]
		if !ok {
			return nil, npfwerrors.Errorf(npfwerrors.KindNotFound, "config: dst_table %q not declared", mb.DstTable)
		}
		m.DstTable = id
	}
	return m, nil
}

func compileTable(tb TableBlock) (table.Table, error) {
	kind, err := parseTableKind(tb.Kind)
	if err != nil {
		return nil, err
	}

	entries := make([]table.Entry, 0, len(tb.Entries))
	for _, cidr := range tb.Entries {
		e, err := parseTableEntry(cidr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return table.Build(kind, entries)
}

func compilePolicy(id uint32, nb NATBlock) (*nat.Policy, error) {
	typ, err := parseNATType(nb.Type)
	if err != nil {
		return nil, err
	}
	if len(nb.Pool) == 0 {
		return nil, npfwerrors.New(npfwerrors.KindValidation, "config: nat pool must not be empty")
	}

	var alen int
	addrs := make([]npc.Addr, 0, len(nb.Pool))
	for _, s := range nb.Pool {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, npfwerrors.Errorf(npfwerrors.KindValidation, "config: nat pool address %q invalid", s)
		}
		a, n := npc.AddrFromIP(ip)
		if alen == 0 {
			alen = n
		} else if alen != n {
			return nil, npfwerrors.New(npfwerrors.KindValidation, "config: nat pool mixes address families")
		}
		addrs = append(addrs, a)
	}

	var flags nat.Flags
	if nb.NoPortTranslate {
		flags |= nat.FlagNoPortTranslate
	}

	portMin, portMax := nb.PortMin, nb.PortMax
	if portMin == 0 && portMax == 0 {
		portMin, portMax = 1024, 65535
	}

	p := nat.NewPolicy(id, typ, nat.NewAddrPool(alen, addrs...), portMin, portMax, flags)
	p.NoNATLog = nb.NoNATLog
	return p, nil
}

func parseTableEntry(cidr string) (table.Entry, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		// allow a bare address, treated as a host entry
		if addr := net.ParseIP(cidr); addr != nil {
			a, alen := npc.AddrFromIP(addr)
			return table.Entry{Addr: a, AddrLen: alen, Mask: table.NoMask}, nil
		}
		return table.Entry{}, npfwerrors.Errorf(npfwerrors.KindValidation, "config: invalid table entry %q: %v", cidr, err)
	}
	ones, _ := ipnet.Mask.Size()
	a, alen := npc.AddrFromIP(ip)
	return table.Entry{Addr: a, AddrLen: alen, Mask: ones}, nil
}

func parseDirection(s string) (ruleset.Direction, error) {
	switch s {
	case "", "both":
		return ruleset.DirBoth, nil
	case "in":
		return ruleset.DirIn, nil
	case "out":
		return ruleset.DirOut, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "config: unknown direction %q", s)
	}
}

func parseAction(s string) (ruleset.Action, error) {
	switch s {
	case "pass":
		return ruleset.Pass, nil
	case "block":
		return ruleset.Block, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "config: unknown action %q", s)
	}
}

func parseTableKind(s string) (table.Kind, error) {
	switch s {
	case "ipset":
		return table.KindIPSet, nil
	case "lpm":
		return table.KindLPM, nil
	case "const":
		return table.KindConst, nil
	case "ifaddr":
		return table.KindIfAddr, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "config: unknown table kind %q", s)
	}
}

func parseNATType(s string) (nat.PolicyType, error) {
	switch s {
	case "src":
		return nat.PolicySrc, nil
	case "dst":
		return nat.PolicyDst, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "config: unknown nat type %q", s)
	}
}

var protoNumbers = map[string]int{
	"icmp": 1,
	"tcp":  6,
	"udp":  17,
	"gre":  47,
}

func parseProto(s string) (int, error) {
	if n, ok := protoNumbers[s]; ok {
		return n, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n > 0 {
		return n, nil
	}
	return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "config: unknown protocol %q", s)
}

// tableID derives a stable, small id from a block's HCL label. FNV-1a
// keeps Compile deterministic across runs without requiring the config
// author to assign numeric ids by hand, the way flywall's own
// Zone/Interface blocks are referenced by name rather than number.
func tableID(label string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(label); i++ {
		h ^= uint32(label[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}
	return h
}
