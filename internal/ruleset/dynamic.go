// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleset

import (
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// Key is the stable SHA-1 key §4.4 addresses dynamic rules by: "a
// SHA-1 over the rule's serialized form".
type Key [sha1.Size]byte

// DynamicRuleset is a separately-addressable, mutable collection of
// rules (§4.4: "Dynamic rulesets are separately addressable by name;
// they support atomic add/replace by stable key ... and per-rule
// removal by id"). Snapshot builds an immutable Ruleset for lock-free
// Inspect calls, the same copy-on-write discipline internal/table and
// internal/conn use elsewhere in this repo.
type DynamicRuleset struct {
	mu       sync.Mutex
	byKey    map[Key]*Rule
	snapshot atomic.Pointer[Ruleset]
}

// NewDynamic returns an empty dynamic ruleset.
func NewDynamic() *DynamicRuleset {
	d := &DynamicRuleset{byKey: make(map[Key]*Rule)}
	d.rebuild()
	return d
}

// Serialize produces the deterministic byte encoding of r that
// KeyOf hashes. Filter and Proc are function-bearing and excluded;
// everything that affects match/traversal semantics is included.
func Serialize(r *Rule) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, r.ID[:]...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(r.Priority))
	buf = append(buf, n[:]...)
	buf = append(buf, byte(r.Dir), byte(r.Action))
	buf = append(buf, r.Iface...)
	buf = append(buf, 0)
	if r.Final {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint32(n[:4], r.NATPolicy)
	buf = append(buf, n[:4]...)
	for _, sub := range r.Subrules {
		buf = append(buf, Serialize(sub)...)
	}
	return buf
}

// KeyOf returns the stable key for r.
func KeyOf(r *Rule) Key { return sha1.Sum(Serialize(r)) }

// AddOrReplace inserts r, atomically replacing the existing rule with
// the same stable key or any earlier entry with the same rule ID, and
// returns r's key.
func (d *DynamicRuleset) AddOrReplace(r *Rule) Key {
	key := KeyOf(r)

	d.mu.Lock()
	for k, old := range d.byKey {
		if old.ID == r.ID && k != key {
			delete(d.byKey, k)
		}
	}
	d.byKey[key] = r
	d.mu.Unlock()

	d.rebuild()
	return key
}

// RemoveByID removes the rule with the given id, reporting whether one
// was found.
func (d *DynamicRuleset) RemoveByID(id uuid.UUID) bool {
	d.mu.Lock()
	var found Key
	ok := false
	for k, r := range d.byKey {
		if r.ID == id {
			found, ok = k, true
			break
		}
	}
	if ok {
		delete(d.byKey, found)
	}
	d.mu.Unlock()

	if ok {
		d.rebuild()
	}
	return ok
}

// RemoveByKey removes the rule stored under key, reporting whether one
// was found.
func (d *DynamicRuleset) RemoveByKey(key Key) bool {
	d.mu.Lock()
	_, ok := d.byKey[key]
	if ok {
		delete(d.byKey, key)
	}
	d.mu.Unlock()

	if ok {
		d.rebuild()
	}
	return ok
}

// Lookup returns the rule stored under key, if any.
func (d *DynamicRuleset) Lookup(key Key) (*Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byKey[key]
	if !ok {
		return nil, npfwerrors.New(npfwerrors.KindNotFound, "ruleset: no dynamic rule under that key")
	}
	return r, nil
}

// rebuild must be called with d.mu unlocked; it takes its own lock only
// to snapshot byKey, builds a fresh Ruleset, and swaps it in.
func (d *DynamicRuleset) rebuild() {
	d.mu.Lock()
	rules := make([]*Rule, 0, len(d.byKey))
	for _, r := range d.byKey {
		rules = append(rules, r)
	}
	d.mu.Unlock()

	d.snapshot.Store(New(rules))
}

// Snapshot returns the current immutable Ruleset, safe to call
// concurrently with Add/Remove.
func (d *DynamicRuleset) Snapshot() *Ruleset {
	return d.snapshot.Load()
}
