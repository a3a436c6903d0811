// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rproc

import "testing"

func TestRegistryBuildsBuiltinExtensions(t *testing.T) {
	r := NewRegistry()

	if _, err, ok := r.New("log", nil); !ok || err != nil {
		t.Errorf("New(log) = (err=%v, ok=%v), want a constructed Log proc", err, ok)
	}
	if _, err, ok := r.New("ratelimit", map[string]any{"bitrate": 1000.0}); !ok || err != nil {
		t.Errorf("New(ratelimit) = (err=%v, ok=%v), want a constructed RateLimit proc", err, ok)
	}
	if _, err, ok := r.New("rndblock", map[string]any{"percent": 5.0}); !ok || err != nil {
		t.Errorf("New(rndblock) = (err=%v, ok=%v), want a constructed RndBlock proc", err, ok)
	}
}

func TestRegistryReportsUnknownExtension(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.New("nonexistent", nil); ok {
		t.Error("New should report ok=false for an unregistered extension name")
	}
}

func TestRegistryPropagatesConstructError(t *testing.T) {
	r := NewRegistry()
	_, err, ok := r.New("ratelimit", map[string]any{})
	if !ok {
		t.Fatal("New should find the registered ratelimit factory")
	}
	if err == nil {
		t.Error("New should surface a Construct error for a missing bitrate")
	}
}
