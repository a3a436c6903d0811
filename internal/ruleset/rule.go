// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ruleset implements the ordered rule traversal of §4.4, §3
// "Rule"/"Ruleset": last-match-wins semantics with an early-terminating
// "final" flag, and group rules whose subrules are only considered
// once the group's own filter matches.
package ruleset

import (
	"github.com/google/uuid"

	"grimm.is/npfw/internal/classifier"
	"grimm.is/npfw/internal/npc"
)

// Direction is the rule direction mask of §3 ("direction mask
// (IN/OUT/both)").
type Direction uint8

const (
	DirIn Direction = 1 << iota
	DirOut
)

const DirBoth = DirIn | DirOut

// Action is a rule's pass/block verdict.
type Action uint8

const (
	Block Action = iota
	Pass
)

// NoNATPolicy marks a rule with no attached NAT policy reference.
const NoNATPolicy uint32 = 0

// ProcContext is what a rule procedure sees when it runs (§3
// "Extension (rule procedure)"). It is deliberately narrow: rule
// procedures operate on the packet and the tentative decision, not on
// connection-database internals.
type ProcContext struct {
	Cache    *npc.Cache
	Dir      Direction
	Iface    string
	PktLen   int // whole-packet length in bytes, for rproc's rate limiter
	Decision Action
}

// RuleProc is the {construct, destruct, process} function table of §3
// "Extension (rule procedure)". internal/rproc provides implementations
// (log, ratelimit, rndblock); ruleset only depends on the interface so
// it never needs to import rproc.
type RuleProc interface {
	Name() string
	Construct(args map[string]any) error
	Destruct()
	Process(ctx *ProcContext) Action
}

// Rule is one entry in a Ruleset, or a subrule of a group rule (§3
// "Rule"). A Rule with a non-empty Subrules slice is a group: its own
// Filter must match before its subrules are evaluated at all.
type Rule struct {
	ID        uuid.UUID
	Priority  int
	Dir       Direction
	Action    Action
	Iface     string // "" matches any interface
	Filter    *classifier.Classifier
	Proc      RuleProc
	NATPolicy uint32
	Stateful  bool // on PASS, create and insert a connection (§4.10 step 3)
	Final     bool
	Subrules  []*Rule
}

// appliesTo reports whether r applies to this packet on this direction
// and interface, independent of its own filter.
func (r *Rule) appliesTo(dir Direction, iface string) bool {
	if r.Dir&dir == 0 {
		return false
	}
	if r.Iface != "" && r.Iface != iface {
		return false
	}
	return true
}

// matchesFilter reports whether r's own byte-code filter (if any)
// matches cache. A rule with no filter always matches, per §4.4: a
// group's "own filter must match" only applies when one is present.
func (r *Rule) matchesFilter(cache *npc.Cache, tables classifier.Tables) (bool, error) {
	if r.Filter == nil {
		return true, nil
	}
	return r.Filter.Run(cache, tables)
}
