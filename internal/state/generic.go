// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state implements the per-protocol connection trackers of
// §4.5: a three-state generic FSM shared by UDP/ICMP/GRE, and a TCP FSM
// with per-direction sliding-window tracking.
package state

import (
	"sync"
	"time"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// Direction identifies which side of a flow a segment travels.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// GenericPhase is one of the generic FSM's three states (§4.5).
type GenericPhase int

const (
	PhaseClosed GenericPhase = iota
	PhaseNew
	PhaseEstablished
)

func (p GenericPhase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseNew:
		return "new"
	case PhaseEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Generic tracks UDP, ICMP and GRE flows through the symmetric
// three-state FSM of §4.5:
//
//	CLOSED + forward    -> NEW
//	NEW     + forward    -> NEW
//	NEW     + backward   -> ESTABLISHED
//	ESTABLISHED + any    -> ESTABLISHED
//
// any other transition is invalid.
type Generic struct {
	mu    sync.Mutex
	phase GenericPhase
}

// NewGeneric returns a tracker in the CLOSED state.
func NewGeneric() *Generic { return &Generic{phase: PhaseClosed} }

// Inspect advances the FSM for a segment traveling in dir, reporting
// whether the transition is valid (`state_inspect` of §4.5).
func (g *Generic) Inspect(dir Direction) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.phase {
	case PhaseClosed:
		if dir != Forward {
			return false, npfwerrors.New(npfwerrors.KindValidation, "state: backward segment on a closed generic flow")
		}
		g.phase = PhaseNew
		return true, nil
	case PhaseNew:
		if dir == Backward {
			g.phase = PhaseEstablished
		}
		return true, nil
	case PhaseEstablished:
		return true, nil
	default:
		return false, npfwerrors.New(npfwerrors.KindInternal, "state: generic flow in an unknown phase")
	}
}

// Phase reports the tracker's current state.
func (g *Generic) Phase() GenericPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// GenericTimeouts names the per-state timeouts of §4.5 ("Timeouts are
// parameterized per state").
type GenericTimeouts struct {
	Closed      time.Duration
	New         time.Duration
	Established time.Duration
}

// DefaultGenericTimeouts is §4.5's default: "CLOSED=0, NEW=30s,
// ESTABLISHED=60s".
func DefaultGenericTimeouts() GenericTimeouts {
	return GenericTimeouts{Closed: 0, New: 30 * time.Second, Established: 60 * time.Second}
}

// DefaultGRETimeouts is §4.5's GRE-specific default: "GRE=24h" for the
// established state, everything else as the generic default.
func DefaultGRETimeouts() GenericTimeouts {
	t := DefaultGenericTimeouts()
	t.Established = 24 * time.Hour
	return t
}

// Timeout returns the configured timeout for the tracker's current
// phase.
func (t GenericTimeouts) Timeout(p GenericPhase) time.Duration {
	switch p {
	case PhaseClosed:
		return t.Closed
	case PhaseNew:
		return t.New
	case PhaseEstablished:
		return t.Established
	default:
		return 0
	}
}
