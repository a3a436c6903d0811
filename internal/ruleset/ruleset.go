// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleset

import (
	"sort"

	"github.com/google/uuid"

	"grimm.is/npfw/internal/classifier"
	"grimm.is/npfw/internal/npc"
)

// Ruleset is an ordered, immutable sequence of rules (§3 "Ruleset").
// Once built it is never mutated — reconfiguration builds a new
// Ruleset and swaps it in (see DynamicRuleset for the mutable wrapper
// rulesets loaded from the config layer use).
type Ruleset struct {
	rules []*Rule
}

// New returns a Ruleset holding rules in priority order (stable sort,
// so rules of equal priority keep their input order — "iterated in
// order" per §4.4).
func New(rules []*Rule) *Ruleset {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Ruleset{rules: sorted}
}

// Result is what Inspect returns: the effective decision plus which
// rule (and, for a group match, which subrule) produced it, along with
// any rule procedure that should run (§4.4: "inspect(packet, direction,
// interface) → {decision, matched_rule_id, subrule_id, rule_proc}").
type Result struct {
	Decision   Action
	Matched    bool
	RuleID     uuid.UUID
	SubruleID  uuid.UUID
	HasSubrule bool
	Proc       RuleProc
	NATPolicy  uint32
	Stateful   bool
}

// Inspect walks the ruleset in order. The effective decision is the
// last matching rule's action, unless an earlier match carried the
// Final flag, which ends the walk immediately (§4.4).
func (rs *Ruleset) Inspect(cache *npc.Cache, tables classifier.Tables, dir Direction, iface string) (Result, error) {
	var res Result

	for _, r := range rs.rules {
		matched, final, err := evalRule(r, cache, tables, dir, iface, &res)
		if err != nil {
			return res, err
		}
		if matched && final {
			break
		}
	}
	return res, nil
}

// evalRule evaluates one top-level rule (and, if it is a group, its
// subrules), updating res in place. It reports whether the rule
// matched at all and whether traversal must stop.
func evalRule(r *Rule, cache *npc.Cache, tables classifier.Tables, dir Direction, iface string, res *Result) (matched, stop bool, err error) {
	if !r.appliesTo(dir, iface) {
		return false, false, nil
	}
	ok, err := r.matchesFilter(cache, tables)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}

	res.Decision = r.Action
	res.Matched = true
	res.RuleID = r.ID
	res.SubruleID = uuid.Nil
	res.HasSubrule = false
	res.Proc = r.Proc
	res.NATPolicy = r.NATPolicy
	res.Stateful = r.Stateful

	if r.Final {
		return true, true, nil
	}

	// A group rule's own filter has now matched; its subrules are
	// considered, each capable of augmenting or overriding the group's
	// tentative decision by the same last-match rule (§4.4).
	for _, sub := range r.Subrules {
		if !sub.appliesTo(dir, iface) {
			continue
		}
		subOK, err := sub.matchesFilter(cache, tables)
		if err != nil {
			return true, false, err
		}
		if !subOK {
			continue
		}

		res.Decision = sub.Action
		res.SubruleID = sub.ID
		res.HasSubrule = true
		if sub.Proc != nil {
			res.Proc = sub.Proc
		}
		if sub.NATPolicy != NoNATPolicy {
			res.NATPolicy = sub.NATPolicy
		}
		res.Stateful = sub.Stateful

		if sub.Final {
			return true, true, nil
		}
	}

	return true, false, nil
}

// Rules returns the ruleset's rules in traversal order, for tests and
// introspection.
func (rs *Ruleset) Rules() []*Rule {
	out := make([]*Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}
