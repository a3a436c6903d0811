// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conn implements the connection database of §4.6: a
// concurrent key→connection index with lock-free lookups, single
// writer updates, and epoch-based reclamation of unlinked connections.
package conn

import (
	"sync/atomic"
	"time"

	"grimm.is/npfw/internal/npc"
	"grimm.is/npfw/internal/ruleset"
)

// Flag bits on a Connection (§3: "flags (established, expired,
// free-slot markers used by ALG)").
const (
	FlagEstablished uint32 = 1 << iota
	FlagExpired
	FlagALGSlot
)

// NATBinding is the NAT state a Connection may own (§3 "NAT binding").
// It is deliberately minimal here; internal/nat owns the policy and
// translation logic and treats this as its persistent per-flow record.
type NATBinding struct {
	OrigAddr       npc.Addr
	OrigID         uint16
	TranslatedAddr npc.Addr
	TranslatedID   uint16
	PolicyID       uint32
	ALGState       any
}

// Connection is one tracked flow (§3 "Connection"). Fields touched from
// more than one goroutine are atomics; everything else is written once
// at construction or is only ever touched by the single writer path
// (insert/remove) or the G/C worker.
type Connection struct {
	Key1, Key2 npc.Key // forward and backward keys; New sets Key2 = Key1.Reversed(), a NAT flow's Key2 is the translated reply tuple

	refcnt atomic.Int32
	expiry atomic.Int64 // unix nanoseconds; 0 means "never expires on its own"
	flags  atomic.Uint32

	decision atomic.Bool // true == pass

	NAT   atomic.Pointer[NATBinding]
	State any // per-protocol tracker state, e.g. *state.TCPFlow

	// ALG is the alg.ALG that claimed this flow on its first packet, if
	// any (§4.8). Typed any rather than alg.ALG to avoid an import cycle
	// (internal/alg already imports this package for *conn.Connection).
	ALG any

	// Proc is the rule procedure attached to the rule that created this
	// connection, re-run on every subsequent packet that hits it (§4.10
	// step 4) even though the rule match itself is bypassed on a hit.
	Proc ruleset.RuleProc

	next *Connection // recent-list / stable-list link; writer-owned only
}

// New returns a Connection for the given forward key, with refcnt 1
// (the DB's own reference held while the key is indexed) and the
// expiry deadline set to now+ttl.
func New(key npc.Key, ttl time.Duration, now time.Time) *Connection {
	c := &Connection{Key1: key, Key2: key.Reversed()}
	c.refcnt.Store(1)
	c.SetExpiry(now.Add(ttl))
	return c
}

// Hold increments the reference count; pair with Release.
func (c *Connection) Hold() { c.refcnt.Add(1) }

// Release decrements the reference count and returns the value after
// decrement.
func (c *Connection) Release() int32 { return c.refcnt.Add(-1) }

// RefCount reports the current reference count.
func (c *Connection) RefCount() int32 { return c.refcnt.Load() }

// SetExpiry sets the absolute deadline after which Expired reports true.
func (c *Connection) SetExpiry(t time.Time) { c.expiry.Store(t.UnixNano()) }

// Expiry returns the connection's current absolute deadline.
func (c *Connection) Expiry() time.Time { return time.Unix(0, c.expiry.Load()) }

// Expired reports whether now is past the connection's deadline.
func (c *Connection) Expired(now time.Time) bool {
	d := c.expiry.Load()
	return d != 0 && now.UnixNano() >= d
}

// Decision reports the connection's pass/block verdict.
func (c *Connection) Decision() bool { return c.decision.Load() }

// SetDecision records the connection's pass/block verdict.
func (c *Connection) SetDecision(pass bool) { c.decision.Store(pass) }

func (c *Connection) setFlag(f uint32) {
	for {
		old := c.flags.Load()
		if old&f == f {
			return
		}
		if c.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (c *Connection) clearFlag(f uint32) {
	for {
		old := c.flags.Load()
		next := old &^ f
		if old == next || c.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// HasFlag reports whether every bit in f is set.
func (c *Connection) HasFlag(f uint32) bool { return c.flags.Load()&f == f }

// SetEstablished marks the connection established (generic FSM
// reaching ESTABLISHED, or TCP's three-way handshake completing).
func (c *Connection) SetEstablished() { c.setFlag(FlagEstablished) }

// MarkExpired flags the connection for G/C without unlinking it; the
// worker performs the actual unlink on its next pass.
func (c *Connection) MarkExpired() { c.setFlag(FlagExpired) }

// ClearALGSlot and SetALGSlot track whether this connection currently
// occupies one of a PPTP context's four GRE slots (§4.8).
func (c *Connection) SetALGSlot()   { c.setFlag(FlagALGSlot) }
func (c *Connection) ClearALGSlot() { c.clearFlag(FlagALGSlot) }
