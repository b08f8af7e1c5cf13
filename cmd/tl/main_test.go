package main

import "testing"

func TestParseFacts(t *testing.T) {
	facts, err := parseFacts([]string{"credits=40", "ally_alive=false", "location=docks", "tags=[\"a\"]"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(facts) != 4 {
		t.Fatalf("expected 4 facts, got %d", len(facts))
	}
	if v, ok := facts[0].Value.(float64); !ok || v != 40 {
		t.Fatalf("credits not parsed as number: %#v", facts[0].Value)
	}
	if v, ok := facts[1].Value.(bool); !ok || v {
		t.Fatalf("ally_alive not parsed as bool: %#v", facts[1].Value)
	}
	if facts[2].Value != "docks" {
		t.Fatalf("bare string not kept: %#v", facts[2].Value)
	}
	if _, ok := facts[3].Value.([]any); !ok {
		t.Fatalf("array not parsed: %#v", facts[3].Value)
	}
}

func TestParseFactsRejectsMalformed(t *testing.T) {
	for _, in := range [][]string{nil, {"novalue"}, {"=1"}} {
		if _, err := parseFacts(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
