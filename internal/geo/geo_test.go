package geo

import (
	"errors"
	"testing"
)

func demoHierarchy() *Hierarchy {
	return NewHierarchy([]Node{
		{ID: "z1", Level: Zone, Name: "Zone 1"},
		{ID: "w1", Level: Ward, Name: "Ward 1", ParentID: "z1"},
		{ID: "a1", Level: Area, Name: "Area 1", ParentID: "w1"},
		{ID: "b1", Level: Beat, Name: "Beat 1", ParentID: "a1"},
		{ID: "w2", Level: Ward, Name: "Ward 2", ParentID: "z-gone"},
	})
}

func TestAncestorsOfFullChain(t *testing.T) {
	h := demoHierarchy()
	chain, orphaned, err := h.AncestorsOf("b1")
	if err != nil {
		t.Fatal(err)
	}
	if orphaned {
		t.Fatal("b1 has a complete chain")
	}
	want := []string{"z1", "w1", "a1", "b1"}
	if len(chain) != len(want) {
		t.Fatalf("chain length %d, want %d", len(chain), len(want))
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Fatalf("chain[%d] = %s, want %s", i, chain[i].ID, id)
		}
	}
}

func TestAncestorsOfOrphanReturnsPartialChain(t *testing.T) {
	h := demoHierarchy()
	chain, orphaned, err := h.AncestorsOf("w2")
	if err != nil {
		t.Fatal(err)
	}
	if !orphaned {
		t.Fatal("w2's parent is missing, expected orphan signal")
	}
	if len(chain) != 1 || chain[0].ID != "w2" {
		t.Fatalf("expected partial chain [w2], got %v", chain)
	}
}

func TestAncestorsOfCycleDetected(t *testing.T) {
	h := NewHierarchy([]Node{
		{ID: "a", Level: Ward, ParentID: "b"},
		{ID: "b", Level: Zone, ParentID: "a"},
	})
	_, _, err := h.AncestorsOf("a")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestAncestorsOfUnknownNode(t *testing.T) {
	h := demoHierarchy()
	if _, _, err := h.AncestorsOf("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsWithin(t *testing.T) {
	h := demoHierarchy()

	ok, err := h.IsWithin("b1", "z1", "w1")
	if err != nil || !ok {
		t.Fatalf("b1 should sit under z1/w1: ok=%v err=%v", ok, err)
	}
	ok, err = h.IsWithin("b1", "z1", "")
	if err != nil || !ok {
		t.Fatalf("empty ward candidate matches anything: ok=%v err=%v", ok, err)
	}
	ok, err = h.IsWithin("b1", "", "w2")
	if err != nil || ok {
		t.Fatalf("b1 is not under w2: ok=%v err=%v", ok, err)
	}
}

func TestValidateParentage(t *testing.T) {
	h := demoHierarchy()
	if err := h.ValidateParentage("z1", "w1"); err != nil {
		t.Fatalf("w1 is under z1: %v", err)
	}
	if err := h.ValidateParentage("z1", "w2"); err == nil {
		t.Fatal("w2 is not under z1, expected error")
	}
	if err := h.ValidateParentage("w1", ""); err == nil {
		t.Fatal("w1 is a ward, not a zone")
	}
}

func TestOrphans(t *testing.T) {
	h := demoHierarchy()
	orphans := h.Orphans()
	if len(orphans) != 1 || orphans[0] != "w2" {
		t.Fatalf("expected [w2], got %v", orphans)
	}
}
