// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ebr

import "testing"

// Property #4 (EBR safety): a deferred free is not reclaimed while a
// participant registered before the defer has not yet checkpointed
// past it.
func TestDeferNotReclaimedBeforeCheckpoint(t *testing.T) {
	d := NewDomain()
	p := d.Register()

	freed := false
	d.Defer(func() { freed = true })

	if n := d.Advance(); n != 0 {
		t.Fatalf("Advance reclaimed %d, want 0: participant has not checkpointed", n)
	}
	if freed {
		t.Fatal("deferred free ran before the active participant checkpointed past it")
	}

	p.Checkpoint()
	if n := d.Advance(); n != 1 {
		t.Fatalf("Advance reclaimed %d, want 1 after checkpoint", n)
	}
	if !freed {
		t.Fatal("deferred free should have run once the participant checkpointed past it")
	}
}

func TestUnregisteredParticipantDoesNotBlockReclamation(t *testing.T) {
	d := NewDomain()
	p := d.Register()
	p.Unregister()

	freed := false
	d.Defer(func() { freed = true })

	if n := d.Advance(); n != 1 {
		t.Fatalf("Advance reclaimed %d, want 1: unregistered participant should not block", n)
	}
	if !freed {
		t.Fatal("deferred free should have run")
	}
}

func TestMultipleParticipantsAllMustCheckpoint(t *testing.T) {
	d := NewDomain()
	p1 := d.Register()
	p2 := d.Register()

	d.Defer(func() {})
	if n := d.Advance(); n != 0 {
		t.Fatalf("Advance reclaimed %d, want 0: neither participant has checkpointed yet", n)
	}

	p1.Checkpoint()
	if n := d.Advance(); n != 0 {
		t.Fatalf("Advance reclaimed %d, want 0: p2 still has not checkpointed", n)
	}

	p2.Checkpoint()
	if n := d.Advance(); n != 1 {
		t.Fatalf("Advance reclaimed %d, want 1 once both checkpointed past the defer", n)
	}
}

func TestPendingReflectsOutstandingFrees(t *testing.T) {
	d := NewDomain()
	d.Register()

	d.Defer(func() {})
	d.Defer(func() {})
	if got := d.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
}
