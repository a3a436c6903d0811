// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the collaborators an external configuration
// loader hands to npfw: a named-parameter registry (Params) and a
// typed, HCL-decoded representation of rules, tables and NAT policies
// (StaticConfig) that ruleset.Compile and table.Build turn into the
// runtime values the pipeline actually runs against.
package config

import (
	"sort"
	"sync"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// ParamSpec bounds one named parameter: its allowed range and the
// value it carries until explicitly set (§6 "Parameters").
type ParamSpec struct {
	Min     int64
	Max     int64
	Default int64
}

func (s ParamSpec) inRange(v int64) bool { return v >= s.Min && v <= s.Max }

// Params is a registry of named, bounded int64 values, mirroring the
// sysctl-style tunables §6 describes (timeouts, the reassembly toggle,
// CAR defaults). Reads and writes are mutex-guarded; values change far
// less often than they are read, but never often enough to justify a
// copy-on-write snapshot the way internal/nat.PolicySet's hot path
// does.
type Params struct {
	mu    sync.RWMutex
	specs map[string]ParamSpec
	vals  map[string]int64 // only present once explicitly Set
}

// NewParams returns a registry seeded with specs; every parameter
// starts at its Default until Set.
func NewParams(specs map[string]ParamSpec) *Params {
	cp := make(map[string]ParamSpec, len(specs))
	for k, v := range specs {
		cp[k] = v
	}
	return &Params{specs: cp, vals: make(map[string]int64)}
}

// DefaultParams returns the registry seeded with the spec's worked
// examples (state.generic.timeout.established, ip4.reassembly,
// ip4.drop_options), one entry per §4.5 per-state timeout (generic and
// TCP trackers), and the CAR rate limiter's default bitrate (§4.9).
func DefaultParams() *Params {
	const day = 24 * 60 * 60
	return NewParams(map[string]ParamSpec{
		// Worked examples named directly in §6.
		"state.generic.timeout.established": {Min: 0, Max: day, Default: 60},
		"ip4.reassembly":                    {Min: 0, Max: 1, Default: 1},
		"ip4.drop_options":                  {Min: 0, Max: 1, Default: 0},

		// Generic (UDP/ICMP/GRE) tracker timeouts, §4.5.
		"state.generic.timeout.closed": {Min: 0, Max: day, Default: 0},
		"state.generic.timeout.new":    {Min: 0, Max: day, Default: 30},
		"state.gre.timeout.established": {Min: 0, Max: 7 * day, Default: day},

		// TCP tracker timeouts, §4.5.
		"state.tcp.timeout.syn_sent":     {Min: 1, Max: day, Default: 30},
		"state.tcp.timeout.syn_received": {Min: 1, Max: day, Default: 30},
		"state.tcp.timeout.established":  {Min: 1, Max: 7 * day, Default: day},
		"state.tcp.timeout.fin_wait":     {Min: 1, Max: day, Default: 240},
		"state.tcp.timeout.closing":      {Min: 1, Max: day, Default: 240},
		"state.tcp.timeout.time_wait":    {Min: 1, Max: day, Default: 120},

		// CAR rate limiter default, §4.9: a rule with no explicit
		// bitrate argument uses this (bits per second).
		"rproc.ratelimit.default_bitrate_bps": {Min: 0, Max: 1 << 40, Default: 1_000_000},
	})
}

// Get returns the parameter's current value: the explicitly Set value
// if any, otherwise its Default. It reports false for an unknown name.
func (p *Params) Get(name string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	spec, ok := p.specs[name]
	if !ok {
		return 0, false
	}
	if v, ok := p.vals[name]; ok {
		return v, true
	}
	return spec.Default, true
}

// Set assigns v to name, failing if name is unknown or v falls outside
// the parameter's [Min, Max] range.
func (p *Params) Set(name string, v int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spec, ok := p.specs[name]
	if !ok {
		return npfwerrors.Errorf(npfwerrors.KindNotFound, "config: unknown parameter %q", name)
	}
	if !spec.inRange(v) {
		return npfwerrors.Errorf(npfwerrors.KindValidation, "config: %q = %d out of range [%d, %d]", name, v, spec.Min, spec.Max)
	}
	p.vals[name] = v
	return nil
}

// Reset clears any explicitly Set value for name, reverting it to its
// Default. It is a no-op (not an error) if name was never Set.
func (p *Params) Reset(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.specs[name]; !ok {
		return npfwerrors.Errorf(npfwerrors.KindNotFound, "config: unknown parameter %q", name)
	}
	delete(p.vals, name)
	return nil
}

// ParamState is one Snapshot entry.
type ParamState struct {
	Name       string
	Value      int64
	ParamSpec  ParamSpec
	IsDefault  bool
}

// Snapshot returns every parameter's current state, sorted by name, so
// a caller (a CLI, a diagnostics endpoint) can report which parameters
// have been explicitly tuned away from their compiled-in default (§6).
func (p *Params) Snapshot() []ParamState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ParamState, 0, len(p.specs))
	for name, spec := range p.specs {
		v, set := p.vals[name]
		if !set {
			v = spec.Default
		}
		out = append(out, ParamState{Name: name, Value: v, ParamSpec: spec, IsDefault: !set})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
