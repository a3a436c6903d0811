// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ebr implements the epoch-based reclamation discipline §5
// requires of the connection database: each dataplane worker registers
// a Participant at startup, checkpoints it between packets (or at
// least between bursts), and unregisters at shutdown. A deferred free
// is only run once every participant that was active when it was
// deferred has since checkpointed past that point — i.e. no reader
// that might still hold the freed pointer is mid-traversal.
package ebr

import "sync"

// Domain is one reclamation domain; the connection database owns
// exactly one.
type Domain struct {
	epoch uint64 // monotonically increasing, bumped by Advance

	mu           sync.Mutex
	participants map[*Participant]struct{}
	pending      []pendingFree
}

type pendingFree struct {
	epoch uint64
	fn    func()
}

// NewDomain returns a fresh, empty reclamation domain.
func NewDomain() *Domain {
	return &Domain{participants: make(map[*Participant]struct{})}
}

// Participant is one dataplane worker's registration in a Domain.
type Participant struct {
	domain   *Domain
	observed uint64 // last epoch this worker checkpointed at
	active   bool
}

// Register adds a new participant to the domain, observed at the
// domain's current epoch.
func (d *Domain) Register() *Participant {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := &Participant{domain: d, observed: d.epoch, active: true}
	d.participants[p] = struct{}{}
	return p
}

// Unregister removes p from the domain at shutdown. Any of its deferred
// obligations are unaffected: reclamation only ever waits on *active*
// participants.
func (p *Participant) Unregister() {
	d := p.domain
	d.mu.Lock()
	defer d.mu.Unlock()
	p.active = false
	delete(d.participants, p)
}

// Checkpoint records that p is not currently holding any pointer
// obtained before this call. Call it between packets, or at minimum
// between RX bursts, per §5.
func (p *Participant) Checkpoint() {
	d := p.domain
	d.mu.Lock()
	p.observed = d.epoch
	d.mu.Unlock()
}

// Defer schedules fn to run once every participant active right now has
// checkpointed past the current epoch. fn must be safe to call from the
// G/C worker's goroutine (it is never called concurrently with itself
// or with another Defer'd fn in the same domain).
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingFree{epoch: d.epoch, fn: fn})
	d.mu.Unlock()
}

// Advance bumps the domain's epoch and runs every deferred free whose
// stamped epoch predates the slowest active participant's last
// checkpoint. It returns how many were reclaimed. The G/C worker calls
// this once per tick (§4.6 gc()); "sync" fencing (§4.6: "if sync is
// set, fence via the config layer") is the caller blocking on the
// result of this call rather than treating G/C as fire-and-forget.
func (d *Domain) Advance() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.epoch++
	safe := d.epoch
	for p := range d.participants {
		if p.active && p.observed < safe {
			safe = p.observed
		}
	}

	var keep []pendingFree
	reclaimed := 0
	for _, pf := range d.pending {
		if pf.epoch < safe {
			pf.fn()
			reclaimed++
		} else {
			keep = append(keep, pf)
		}
	}
	d.pending = keep
	return reclaimed
}

// Pending reports how many deferred frees have not yet been reclaimed,
// for tests and stats.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
