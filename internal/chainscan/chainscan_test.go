package chainscan

import "testing"

func uuid(b byte) [16]byte {
	var u [16]byte
	u[0] = b
	return u
}

func TestCoalesceOrderChildBeforeParent(t *testing.T) {
	base := Entry{Path: "base.vhd", UUID: uuid(1)}
	mid := Entry{Path: "mid.vhd", UUID: uuid(2), IsDiff: true, ParentUUID: uuid(1)}
	leaf := Entry{Path: "leaf.vhd", UUID: uuid(3), IsDiff: true, ParentUUID: uuid(2)}

	g := Build([]Entry{leaf, mid, base})
	order, err := g.CoalesceOrder()
	if err != nil {
		t.Fatalf("CoalesceOrder: %v", err)
	}

	pos := make(map[string]int)
	for i, p := range order {
		pos[p] = i
	}
	if pos["leaf.vhd"] >= pos["mid.vhd"] {
		t.Fatalf("leaf must precede mid: order = %v", order)
	}
	if pos["mid.vhd"] >= pos["base.vhd"] {
		t.Fatalf("mid must precede base: order = %v", order)
	}
}

func TestCyclesDetected(t *testing.T) {
	a := Entry{Path: "a.vhd", UUID: uuid(1), IsDiff: true, ParentUUID: uuid(2)}
	b := Entry{Path: "b.vhd", UUID: uuid(2), IsDiff: true, ParentUUID: uuid(1)}

	g := Build([]Entry{a, b})
	cycles := g.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("len(cycles) = %d, want 1", len(cycles))
	}
	if len(cycles[0].Paths) != 2 {
		t.Fatalf("cycle paths = %v, want 2 entries", cycles[0].Paths)
	}

	if _, err := g.CoalesceOrder(); err == nil {
		t.Fatal("expected CoalesceOrder to fail on a cyclic graph")
	}
}

func TestRootsAndChildren(t *testing.T) {
	base := Entry{Path: "base.vhd", UUID: uuid(1)}
	childA := Entry{Path: "a.vhd", UUID: uuid(2), IsDiff: true, ParentUUID: uuid(1)}
	childB := Entry{Path: "b.vhd", UUID: uuid(3), IsDiff: true, ParentUUID: uuid(1)}

	g := Build([]Entry{base, childA, childB})

	roots := g.Roots()
	if len(roots) != 1 || roots[0].Path != "base.vhd" {
		t.Fatalf("Roots() = %v, want just base.vhd", roots)
	}

	kids := g.Children(uuid(1))
	if len(kids) != 2 {
		t.Fatalf("Children() = %v, want 2", kids)
	}
}

func TestParentOutsideDirectoryIsNotACycle(t *testing.T) {
	// A differencing disk whose parent UUID names a file that is not in
	// this directory scan; it should just be treated as a root here, not
	// an error.
	orphan := Entry{Path: "orphan.vhd", UUID: uuid(5), IsDiff: true, ParentUUID: uuid(99)}

	g := Build([]Entry{orphan})
	if cycles := g.Cycles(); len(cycles) != 0 {
		t.Fatalf("unexpected cycles: %v", cycles)
	}
	roots := g.Roots()
	if len(roots) != 1 || roots[0].Path != "orphan.vhd" {
		t.Fatalf("Roots() = %v, want orphan.vhd (unresolved parent treated as root)", roots)
	}
}
