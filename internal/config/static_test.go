// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"grimm.is/npfw/internal/ruleset"
)

const sampleHCL = `
table "web-servers" {
  kind    = "ipset"
  entries = ["10.0.0.10/32", "10.0.0.11/32"]
}

nat "masquerade-wan" {
  type     = "src"
  pool     = ["203.0.113.9"]
  port_min = 1024
  port_max = 65535
}

rule "allow-web-in" {
  priority  = 10
  direction = "in"
  action    = "pass"
  stateful  = true
  final     = true

  match {
    proto     = "tcp"
    dst_table = "web-servers"
  }
}

rule "masquerade-out" {
  priority   = 20
  direction  = "out"
  action     = "pass"
  stateful   = true
  final      = true
  nat_policy = 1
}
`

func TestLoadStaticConfigBytesDecodesAllBlockKinds(t *testing.T) {
	sc, err := LoadStaticConfigBytes("sample.hcl", []byte(sampleHCL))
	if err != nil {
		t.Fatalf("LoadStaticConfigBytes: %v", err)
	}
	if len(sc.Tables) != 1 || len(sc.NAT) != 1 || len(sc.Rules) != 2 {
		t.Fatalf("got %d tables, %d nat, %d rules", len(sc.Tables), len(sc.NAT), len(sc.Rules))
	}
	if sc.Rules[0].Match == nil || sc.Rules[0].Match.DstTable != "web-servers" {
		t.Errorf("rule 0 match = %+v, want dst_table web-servers", sc.Rules[0].Match)
	}
}

func TestCompileBuildsRunnableRuleset(t *testing.T) {
	sc, err := LoadStaticConfigBytes("sample.hcl", []byte(sampleHCL))
	if err != nil {
		t.Fatalf("LoadStaticConfigBytes: %v", err)
	}

	compiled, err := Compile(sc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(compiled.Tables) != 1 {
		t.Errorf("len(Tables) = %d, want 1", len(compiled.Tables))
	}
	if len(compiled.Policies) != 1 {
		t.Errorf("len(Policies) = %d, want 1", len(compiled.Policies))
	}
	if len(compiled.Ruleset.Rules()) != 2 {
		t.Errorf("len(Ruleset.Rules()) = %d, want 2", len(compiled.Ruleset.Rules()))
	}
}

func TestCompileRejectsUnknownTableReference(t *testing.T) {
	sc := &StaticConfig{
		Rules: []RuleBlock{{
			Label:    "bad",
			Priority: 1,
			Action:   "pass",
			Match:    &MatchBlock{SrcTable: "does-not-exist"},
		}},
	}
	if _, err := Compile(sc); err == nil {
		t.Error("Compile should fail on an undeclared src_table reference")
	}
}

func TestCompileRejectsEmptyNATPool(t *testing.T) {
	sc := &StaticConfig{
		NAT: []NATBlock{{Label: "bad", Type: "src", Pool: nil}},
	}
	if _, err := Compile(sc); err == nil {
		t.Error("Compile should fail on an empty NAT pool")
	}
}

func TestParseDirectionDefaultsToBoth(t *testing.T) {
	dir, err := parseDirection("")
	if err != nil {
		t.Fatalf("parseDirection(\"\"): %v", err)
	}
	if dir != ruleset.DirBoth {
		t.Errorf("parseDirection(\"\") = %v, want DirBoth", dir)
	}
}
