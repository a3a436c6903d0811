// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier runs compiled byte-code filter programs against a
// packet cache (§4.3). The instruction set is deliberately close to
// classic BPF's (load/store scratch memory, ALU, forward-only jumps,
// return) so programs that never call a coprocessor can be lowered
// directly onto golang.org/x/net/bpf's VM for a JIT fast path; programs
// that call the L3-extract or table-lookup coprocessors run on the
// interpreter in this package instead.
package classifier

import npfwerrors "grimm.is/npfw/internal/errors"

// NumWords is the number of scratch memory words a program may address,
// matching classic BPF's 16 scratch words.
const NumWords = 16

// Op is one instruction's opcode.
type Op int

const (
	OpLoadImm  Op = iota // A = K
	OpLoadMem            // A = M[K]
	OpStoreMem           // M[K] = A
	OpALU                // A = A <AluOp> K
	OpJump               // pc = pc + 1 + K
	OpJumpIf             // if A <JumpCond> K { pc += 1+Jt } else { pc += 1+Jf }
	OpCall               // A = coprocessor[K](cache, tables, X, M[:])
	OpRet                // return A != 0
)

// AluOp selects the operation OpALU applies between the accumulator and
// the instruction's immediate.
type AluOp int

const (
	AluAdd AluOp = iota
	AluSub
	AluMul
	AluDiv
	AluOr
	AluAnd
	AluXor
	AluLsh
	AluRsh
)

// JumpCond selects the comparison OpJumpIf evaluates between the
// accumulator and the instruction's immediate.
type JumpCond int

const (
	JEQ  JumpCond = iota // A == K
	JGT                  // A > K
	JGE                  // A >= K
	JSET                 // A & K != 0
)

// Instruction is one byte-code instruction. K's meaning depends on Op:
// an immediate for OpLoadImm/OpALU/OpJumpIf, a memory word index for
// OpLoadMem/OpStoreMem, a relative jump offset for OpJump, or a
// coprocessor index for OpCall. X is the coprocessor call argument
// (§4.3's "32-bit argument" to the table-lookup coprocessor); it is
// otherwise unused.
type Instruction struct {
	Op     Op
	Alu    AluOp
	Cond   JumpCond
	K      uint32
	X      uint32
	Jt, Jf uint8
}

// Program is a validated sequence of instructions.
type Program struct {
	Insts []Instruction
}

// Validate rejects a program that does not terminate, references an
// out-of-range memory word, or calls an unregistered coprocessor index
// (§4.3: "Programs are pre-validated (rejected if they do not
// terminate, reference invalid memory words, or call an unregistered
// coprocessor index)"). Termination is guaranteed the same way classic
// BPF guarantees it: every jump must strictly increase pc, so no
// program can loop.
func Validate(p Program, coprocs CoprocRegistry) error {
	if len(p.Insts) == 0 {
		return npfwerrors.New(npfwerrors.KindValidation, "classifier: empty program")
	}

	for pc, inst := range p.Insts {
		switch inst.Op {
		case OpLoadImm, OpALU:
			// K is a plain immediate; nothing to check.
		case OpLoadMem, OpStoreMem:
			if inst.K >= NumWords {
				return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d references invalid memory word %d", pc, inst.K)
			}
		case OpJump:
			target := pc + 1 + int(inst.K)
			if target <= pc || target > len(p.Insts) {
				return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d jump does not terminate", pc)
			}
		case OpJumpIf:
			tt := pc + 1 + int(inst.Jt)
			tf := pc + 1 + int(inst.Jf)
			if tt <= pc || tt > len(p.Insts) || tf <= pc || tf > len(p.Insts) {
				return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d jump does not terminate", pc)
			}
		case OpCall:
			if coprocs == nil {
				return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d calls coprocessor %d, none registered", pc, inst.K)
			}
			if _, ok := coprocs[inst.K]; !ok {
				return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d calls unregistered coprocessor %d", pc, inst.K)
			}
		case OpRet:
			// always valid
		default:
			return npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: instruction %d has unknown opcode %d", pc, inst.Op)
		}
	}

	if p.Insts[len(p.Insts)-1].Op != OpRet {
		return npfwerrors.New(npfwerrors.KindValidation, "classifier: program must end in a return")
	}
	return nil
}

// UsesCoprocessors reports whether p calls into the coprocessor table,
// which disqualifies it from the JIT fast path (§4.3): coprocessor
// calls read cache/table state the compiled BPF VM has no way to
// reach.
func (p Program) UsesCoprocessors() bool {
	for _, inst := range p.Insts {
		if inst.Op == OpCall {
			return true
		}
	}
	return false
}
