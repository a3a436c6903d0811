// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"golang.org/x/net/bpf"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// compileJIT lowers a coprocessor-free program directly onto
// golang.org/x/net/bpf's VM (§4.3's "JIT compilation ... when
// available"). Every instruction in this package's ISA short of
// OpCall has a 1:1 classic-BPF equivalent operating on scratch memory,
// so the lowering is purely mechanical; a program with any OpCall is
// rejected by the caller before compileJIT is ever reached, since
// coprocessor calls need cache/table state the compiled VM cannot see.
func compileJIT(p Program) (*bpf.VM, error) {
	insts := make([]bpf.Instruction, len(p.Insts))
	for i, inst := range p.Insts {
		switch inst.Op {
		case OpLoadImm:
			insts[i] = bpf.LoadConstant{Dst: bpf.RegA, Val: inst.K}
		case OpLoadMem:
			insts[i] = bpf.LoadScratch{Dst: bpf.RegA, N: int(inst.K)}
		case OpStoreMem:
			insts[i] = bpf.StoreScratch{Src: bpf.RegA, N: int(inst.K)}
		case OpALU:
			op, err := aluToBPF(inst.Alu)
			if err != nil {
				return nil, err
			}
			insts[i] = bpf.ALUOpConstant{Op: op, Val: inst.K}
		case OpJump:
			insts[i] = bpf.Jump{Skip: inst.K}
		case OpJumpIf:
			cond, err := condToBPF(inst.Cond)
			if err != nil {
				return nil, err
			}
			insts[i] = bpf.JumpIf{Cond: cond, Val: inst.K, SkipTrue: inst.Jt, SkipFalse: inst.Jf}
		case OpRet:
			insts[i] = bpf.RetA{}
		default:
			return nil, npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: opcode %d has no JIT lowering", inst.Op)
		}
	}

	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, npfwerrors.Wrap(err, npfwerrors.KindValidation, "classifier: bpf VM assembly failed")
	}
	return vm, nil
}

func aluToBPF(op AluOp) (bpf.ALUOp, error) {
	switch op {
	case AluAdd:
		return bpf.ALUOpAdd, nil
	case AluSub:
		return bpf.ALUOpSub, nil
	case AluMul:
		return bpf.ALUOpMul, nil
	case AluDiv:
		return bpf.ALUOpDiv, nil
	case AluOr:
		return bpf.ALUOpOr, nil
	case AluAnd:
		return bpf.ALUOpAnd, nil
	case AluXor:
		return bpf.ALUOpXor, nil
	case AluLsh:
		return bpf.ALUOpShiftLeft, nil
	case AluRsh:
		return bpf.ALUOpShiftRight, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: unknown ALU op %d", op)
	}
}

func condToBPF(cond JumpCond) (bpf.JumpTest, error) {
	switch cond {
	case JEQ:
		return bpf.JumpEqual, nil
	case JGT:
		return bpf.JumpGreaterThan, nil
	case JGE:
		return bpf.JumpGreaterOrEqual, nil
	case JSET:
		return bpf.JumpBitsSet, nil
	default:
		return 0, npfwerrors.Errorf(npfwerrors.KindValidation, "classifier: unknown jump condition %d", cond)
	}
}
