// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"golang.org/x/net/bpf"

	"grimm.is/npfw/internal/npc"
)

// Classifier runs one validated Program. It compiles a JIT fast path
// via golang.org/x/net/bpf when the program never calls a coprocessor;
// otherwise (and whenever JIT assembly fails) it falls back to the
// interpreter, per §4.3: "Fast path uses a JIT compilation of the
// byte-code when available; otherwise the interpreter is invoked."
type Classifier struct {
	prog    Program
	coprocs CoprocRegistry
	jit     *bpf.VM
}

// New validates p and builds a Classifier ready to run it.
func New(p Program, coprocs CoprocRegistry) (*Classifier, error) {
	if err := Validate(p, coprocs); err != nil {
		return nil, err
	}

	c := &Classifier{prog: p, coprocs: coprocs}
	if !p.UsesCoprocessors() {
		if vm, err := compileJIT(p); err == nil {
			c.jit = vm
		}
	}
	return c, nil
}

// Run evaluates the program against cache, using tables to resolve any
// table-lookup coprocessor calls.
func (c *Classifier) Run(cache *npc.Cache, tables Tables) (bool, error) {
	if c.jit != nil {
		n, err := c.jit.Run([]byte{})
		if err != nil {
			return Run(c.prog, c.coprocs, tables, cache)
		}
		return n != 0, nil
	}
	return Run(c.prog, c.coprocs, tables, cache)
}

// JITCompiled reports whether Run will use the compiled fast path, for
// tests and diagnostics.
func (c *Classifier) JITCompiled() bool { return c.jit != nil }
