// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rproc implements the rule-procedure extensions of §3
// ("Extension (rule procedure)"): log, ratelimit (CAR), and rndblock.
// Each extension is a ruleset.RuleProc; a Rule owns exactly one
// instance, constructed once from its config args and run once per
// matching packet.
package rproc

import "grimm.is/npfw/internal/ruleset"

// Factory builds a fresh, unconstructed RuleProc for a named extension.
// A Rule's config layer looks up a Factory by name and calls Construct
// with its own args (§3: "Ownership: reference-counted; cannot be
// removed while any rule references it" — the registry only needs to
// hand out constructors, since a Rule holds the only live reference to
// an instance).
type Factory func() ruleset.RuleProc

// Registry is the named set of rule-procedure extensions a config
// layer can attach to a rule.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the built-in
// extensions: log, ratelimit, rndblock.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("log", func() ruleset.RuleProc { return NewLog() })
	r.Register("ratelimit", func() ruleset.RuleProc { return NewRateLimit() })
	r.Register("rndblock", func() ruleset.RuleProc { return NewRndBlock() })
	return r
}

// Register adds or replaces a named extension factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New constructs a named extension and runs its Construct hook with
// args, or reports ok=false if no extension is registered under name.
func (r *Registry) New(name string, args map[string]any) (ruleset.RuleProc, error, bool) {
	f, ok := r.factories[name]
	if !ok {
		return nil, nil, false
	}
	p := f()
	if err := p.Construct(args); err != nil {
		return nil, err, true
	}
	return p, nil, true
}
