// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rproc

import (
	"math/rand/v2"

	npfwerrors "grimm.is/npfw/internal/errors"
	"grimm.is/npfw/internal/ruleset"
)

// RndBlock is the "rndblock" rule procedure: it randomly downgrades a
// configurable percentage of matched PASS packets to BLOCK, used to
// exercise the extension framework and downstream retry/loss handling
// without a real lossy link.
type RndBlock struct {
	percent float64 // [0, 100]
}

// NewRndBlock returns an unconstructed RndBlock procedure.
func NewRndBlock() *RndBlock { return &RndBlock{} }

func (r *RndBlock) Name() string { return "rndblock" }

// Construct reads the required "percent" arg, the percentage of
// matched packets to drop.
func (r *RndBlock) Construct(args map[string]any) error {
	pct, ok := numberArg(args, "percent")
	if !ok || pct < 0 || pct > 100 {
		return npfwerrors.New(npfwerrors.KindValidation, "rproc: rndblock requires a percent in [0, 100]")
	}
	r.percent = pct
	return nil
}

func (r *RndBlock) Destruct() {}

func (r *RndBlock) Process(ctx *ruleset.ProcContext) ruleset.Action {
	if ctx.Decision != ruleset.Pass {
		return ctx.Decision
	}
	if rand.Float64()*100 < r.percent {
		return ruleset.Block
	}
	return ruleset.Pass
}
