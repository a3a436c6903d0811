// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleset

import (
	"github.com/google/uuid"

	"grimm.is/npfw/internal/classifier"
)

// RuleSpec is a declarative, config-format-agnostic description of one
// rule. internal/config decodes its HCL rule blocks into a slice of
// these and hands them to Compile, so this package never needs to know
// HCL exists.
type RuleSpec struct {
	Priority  int
	Dir       Direction
	Action    Action
	Iface     string
	Stateful  bool
	Final     bool
	NATPolicy uint32
	Match     *MatchSpec
	Subrules  []RuleSpec
}

// MatchSpec is the subset of filter conditions a config-file rule can
// express without hand-assembling byte-code directly: a protocol
// number and/or membership of the source/destination address in a
// table. A nil MatchSpec (or a zero one) always matches.
type MatchSpec struct {
	Proto    int    // 0 = any protocol
	SrcTable uint32 // 0 = no check
	DstTable uint32 // 0 = no check
}

// Compile turns specs into a Ruleset, building each rule's byte-code
// filter from its MatchSpec via buildMatchProgram.
func Compile(specs []RuleSpec) (*Ruleset, error) {
	rules, err := compileRules(specs)
	if err != nil {
		return nil, err
	}
	return New(rules), nil
}

func compileRules(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	for _, s := range specs {
		r, err := compileRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compileRule(s RuleSpec) (*Rule, error) {
	var filter *classifier.Classifier
	if s.Match != nil {
		prog, err := buildMatchProgram(*s.Match)
		if err != nil {
			return nil, err
		}
		filter, err = classifier.New(prog, classifier.DefaultCoprocs())
		if err != nil {
			return nil, err
		}
	}

	subrules, err := compileRules(s.Subrules)
	if err != nil {
		return nil, err
	}

	return &Rule{
		ID:        uuid.New(),
		Priority:  s.Priority,
		Dir:       s.Dir,
		Action:    s.Action,
		Iface:     s.Iface,
		Filter:    filter,
		NATPolicy: s.NATPolicy,
		Stateful:  s.Stateful,
		Final:     s.Final,
		Subrules:  subrules,
	}, nil
}

// buildMatchProgram lowers a MatchSpec into byte-code: one forward
// chain of checks, each falling through to the next on success and
// jumping to a shared "return false" tail on failure. The L3-extract
// coprocessor always runs first since a protocol check reads its
// output; a MatchSpec with no conditions set still runs it, compiling
// down to an unconditional "return true".
func buildMatchProgram(m MatchSpec) (classifier.Program, error) {
	insts := []classifier.Instruction{
		{Op: classifier.OpCall, K: classifier.CoprocL3Extract},
	}
	var checks []int // indices of OpJumpIf instructions needing their Jf patched

	if m.Proto != 0 {
		insts = append(insts, classifier.Instruction{Op: classifier.OpLoadMem, K: 2})
		checks = append(checks, len(insts))
		insts = append(insts, classifier.Instruction{Op: classifier.OpJumpIf, Cond: classifier.JEQ, K: uint32(m.Proto)})
	}
	if m.SrcTable != 0 {
		insts = append(insts, classifier.Instruction{Op: classifier.OpCall, K: classifier.CoprocTableLookup, X: m.SrcTable})
		checks = append(checks, len(insts))
		insts = append(insts, classifier.Instruction{Op: classifier.OpJumpIf, Cond: classifier.JSET, K: 1})
	}
	if m.DstTable != 0 {
		insts = append(insts, classifier.Instruction{Op: classifier.OpCall, K: classifier.CoprocTableLookup, X: m.DstTable | classifier.TableLookupDst})
		checks = append(checks, len(insts))
		insts = append(insts, classifier.Instruction{Op: classifier.OpJumpIf, Cond: classifier.JSET, K: 1})
	}

	insts = append(insts,
		classifier.Instruction{Op: classifier.OpLoadImm, K: 1},
		classifier.Instruction{Op: classifier.OpRet},
	)

	failIdx := len(insts)
	insts = append(insts,
		classifier.Instruction{Op: classifier.OpLoadImm, K: 0},
		classifier.Instruction{Op: classifier.OpRet},
	)

	for _, idx := range checks {
		insts[idx].Jt = 0
		insts[idx].Jf = uint8(failIdx - (idx + 1))
	}

	return classifier.Program{Insts: insts}, nil
}
