// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/npc"
)

// Run interprets p against cache, using coprocs to service any OpCall
// instruction and tables to resolve table-lookup ids. It returns the
// program's match result (§4.3: "true (match) or false (no match)").
func Run(p Program, coprocs CoprocRegistry, tables Tables, cache *npc.Cache) (bool, error) {
	var mem [NumWords]uint32
	var a uint32
	pc := 0

	for {
		if pc < 0 || pc >= len(p.Insts) {
			return false, npfwerrors.New(npfwerrors.KindInternal, "classifier: program counter ran off the end")
		}
		inst := p.Insts[pc]

		switch inst.Op {
		case OpLoadImm:
			a = inst.K
		case OpLoadMem:
			a = mem[inst.K]
		case OpStoreMem:
			mem[inst.K] = a
		case OpALU:
			a = applyALU(inst.Alu, a, inst.K)
		case OpJump:
			pc += 1 + int(inst.K)
			continue
		case OpJumpIf:
			if evalJump(inst.Cond, a, inst.K) {
				pc += 1 + int(inst.Jt)
			} else {
				pc += 1 + int(inst.Jf)
			}
			continue
		case OpCall:
			fn, ok := coprocs[inst.K]
			if !ok {
				return false, npfwerrors.Errorf(npfwerrors.KindInternal, "classifier: unregistered coprocessor %d", inst.K)
			}
			a = fn(cache, tables, inst.X, &mem)
		case OpRet:
			return a != 0, nil
		default:
			return false, npfwerrors.Errorf(npfwerrors.KindInternal, "classifier: unknown opcode %d", inst.Op)
		}
		pc++
	}
}

func applyALU(op AluOp, a, k uint32) uint32 {
	switch op {
	case AluAdd:
		return a + k
	case AluSub:
		return a - k
	case AluMul:
		return a * k
	case AluDiv:
		if k == 0 {
			return 0
		}
		return a / k
	case AluOr:
		return a | k
	case AluAnd:
		return a & k
	case AluXor:
		return a ^ k
	case AluLsh:
		return a << (k & 31)
	case AluRsh:
		return a >> (k & 31)
	default:
		return a
	}
}

func evalJump(cond JumpCond, a, k uint32) bool {
	switch cond {
	case JEQ:
		return a == k
	case JGT:
		return a > k
	case JGE:
		return a >= k
	case JSET:
		return a&k != 0
	default:
		return false
	}
}
