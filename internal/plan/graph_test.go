package plan

import (
	"strings"
	"testing"
)

func TestGraphValidateOrdersDependenciesFirst(t *testing.T) {
	g := NewGraph()
	// Diamond: fetch -> {parse, enrich} -> publish
	mustAdd := func(id string, deps ...string) {
		t.Helper()
		if err := g.Add(id, deps); err != nil {
			t.Fatalf("failed to add %s: %v", id, err)
		}
	}
	mustAdd("publish", "parse", "enrich")
	mustAdd("parse", "fetch")
	mustAdd("enrich", "fetch")
	mustAdd("fetch")

	order, err := g.Validate()
	if err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 nodes in order, got %v", order)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["fetch"] > pos["parse"] || pos["fetch"] > pos["enrich"] {
		t.Errorf("fetch must precede its dependents: %v", order)
	}
	if pos["publish"] < pos["parse"] || pos["publish"] < pos["enrich"] {
		t.Errorf("publish must follow its dependencies: %v", order)
	}
}

func TestGraphRejectsCycle(t *testing.T) {
	g := NewGraph()
	if err := g.Add("a", []string{"b"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Add("b", []string{"a"}); err != nil {
		t.Fatal(err)
	}

	_, err := g.Validate()
	if err == nil {
		t.Fatal("cyclic graph must be rejected")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should name the cycle, got: %v", err)
	}
}

func TestGraphRejectsSelfDependency(t *testing.T) {
	g := NewGraph()
	if err := g.Add("a", []string{"a"}); err != nil {
		t.Fatal(err)
	}

	_, err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "depends on itself") {
		t.Fatalf("self-dependency must be rejected, got: %v", err)
	}
}

func TestGraphRejectsUnknownDependency(t *testing.T) {
	g := NewGraph()
	if err := g.Add("a", []string{"missing"}); err != nil {
		t.Fatal(err)
	}

	_, err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown subtask") {
		t.Fatalf("unknown dependency must be rejected, got: %v", err)
	}
}

func TestGraphRejectsDuplicateID(t *testing.T) {
	g := NewGraph()
	if err := g.Add("a", nil); err != nil {
		t.Fatal(err)
	}
	if err := g.Add("a", nil); err == nil {
		t.Fatal("duplicate id must be rejected")
	}
}
