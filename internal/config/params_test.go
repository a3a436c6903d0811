// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import "testing"

func TestParamsGetReturnsDefaultUntilSet(t *testing.T) {
	p := NewParams(map[string]ParamSpec{"x": {Min: 0, Max: 100, Default: 10}})

	v, ok := p.Get("x")
	if !ok || v != 10 {
		t.Fatalf("Get before Set = (%d, %v), want (10, true)", v, ok)
	}

	if err := p.Set("x", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok = p.Get("x")
	if !ok || v != 42 {
		t.Fatalf("Get after Set = (%d, %v), want (42, true)", v, ok)
	}
}

func TestParamsSetRejectsOutOfRange(t *testing.T) {
	p := NewParams(map[string]ParamSpec{"x": {Min: 0, Max: 10, Default: 5}})

	if err := p.Set("x", 11); err == nil {
		t.Error("Set above Max should fail")
	}
	if err := p.Set("x", -1); err == nil {
		t.Error("Set below Min should fail")
	}
}

func TestParamsSetUnknownNameFails(t *testing.T) {
	p := NewParams(nil)
	if err := p.Set("nonexistent", 1); err == nil {
		t.Error("Set on an unknown parameter should fail")
	}
	if _, ok := p.Get("nonexistent"); ok {
		t.Error("Get on an unknown parameter should report ok=false")
	}
}

func TestParamsResetRevertsToDefault(t *testing.T) {
	p := NewParams(map[string]ParamSpec{"x": {Min: 0, Max: 100, Default: 7}})
	if err := p.Set("x", 99); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.Reset("x"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	v, _ := p.Get("x")
	if v != 7 {
		t.Errorf("Get after Reset = %d, want default 7", v)
	}
}

func TestParamsSnapshotReportsDefaultVsSet(t *testing.T) {
	p := NewParams(map[string]ParamSpec{
		"a": {Min: 0, Max: 10, Default: 1},
		"b": {Min: 0, Max: 10, Default: 2},
	})
	if err := p.Set("b", 9); err != nil {
		t.Fatalf("Set: %v", err)
	}

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	byName := make(map[string]ParamState, len(snap))
	for _, s := range snap {
		byName[s.Name] = s
	}
	if !byName["a"].IsDefault || byName["a"].Value != 1 {
		t.Errorf("a = %+v, want default at 1", byName["a"])
	}
	if byName["b"].IsDefault || byName["b"].Value != 9 {
		t.Errorf("b = %+v, want explicitly set at 9", byName["b"])
	}
}

func TestDefaultParamsSeedsSpecExamples(t *testing.T) {
	p := DefaultParams()
	for _, name := range []string{
		"state.generic.timeout.established",
		"ip4.reassembly",
		"ip4.drop_options",
		"state.tcp.timeout.established",
		"rproc.ratelimit.default_bitrate_bps",
	} {
		if _, ok := p.Get(name); !ok {
			t.Errorf("DefaultParams() missing %q", name)
		}
	}
}
