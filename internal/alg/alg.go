// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alg implements the Application-Layer Gateway framework of
// §4.8: a registry of protocol helpers, each exposing match/translate/
// inspect/destroy hooks, chained into the NAT translator so protocols
// that embed addressing information in their payload (PPTP, and by the
// same framework FTP/SIP/etc. in a fuller build) can coexist with
// address/port rewrite.
package alg

import (
	"sync"

	"grimm.is/npfw/internal/conn"
	"grimm.is/npfw/internal/npc"
)

// ALG is one protocol helper's four callbacks (§4.8).
type ALG interface {
	// Name identifies the ALG for logging and stats.
	Name() string

	// Match identifies a new flow as belonging to this ALG on its first
	// packet, and (if so) attaches whatever ALG-owned state it needs to
	// c.NAT().ALGState. Returns whether the flow matched.
	Match(cache *npc.Cache, payload []byte, c *conn.Connection, dir conn.Direction) bool

	// Translate rewrites payload bytes (and fixes up checksums) as the
	// protocol requires, and may create or tear down child connections
	// that share c's NAT policy.
	Translate(cache *npc.Cache, payload []byte, c *conn.Connection, dir conn.Direction) error

	// Inspect performs a custom connection lookup for packets whose key
	// does not take the standard 5-tuple form (§4.8 step 5). It reports
	// ok=false to let the caller fall through to the standard DB lookup.
	Inspect(cache *npc.Cache) (c *conn.Connection, ok bool)

	// Destroy tears down any state this ALG attached to c (and any
	// child connections), called when c is about to be freed.
	Destroy(c *conn.Connection)
}

// Registry is the ordered set of ALGs a pipeline consults. ALGs rarely
// change after startup, so a plain mutex-guarded slice (not a
// copy-on-write snapshot) is enough: this is wired from the worker's
// per-burst path, not a lock-free hot path requirement.
type Registry struct {
	mu   sync.RWMutex
	algs []ALG
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds an ALG to the registry.
func (r *Registry) Register(a ALG) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algs = append(r.algs, a)
}

// MatchFirst runs Match against every registered ALG in registration
// order and returns the first one that claims the flow.
func (r *Registry) MatchFirst(cache *npc.Cache, payload []byte, c *conn.Connection, dir conn.Direction) ALG {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.algs {
		if a.Match(cache, payload, c, dir) {
			return a
		}
	}
	return nil
}

// Inspect tries every registered ALG's custom lookup in turn, returning
// the first hit.
func (r *Registry) Inspect(cache *npc.Cache) (*conn.Connection, ALG, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.algs {
		if c, ok := a.Inspect(cache); ok {
			return c, a, true
		}
	}
	return nil, nil, false
}
