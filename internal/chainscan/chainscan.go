// Package chainscan implements the directory-wide chain discovery of
// SPEC_FULL.md §4.11: given a directory of VHD files, match each
// differencing disk's parent UUID against another file's footer UUID
// (never by filename), build a parent→child graph, detect cycles (always a
// corruption, never a structure to materialize), and emit a topological
// coalesce order.
//
// Grounded on the teacher's internal/batch.go package-dependency graph:
// the same gonum.org/v1/gonum/graph/simple + graph/topo construction and
// cycle-reporting idiom, with nodes keyed by VHD UUID instead of package
// name and edges child→parent instead of package→dependency.
package chainscan

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Entry describes one file discovered by a directory scan: enough of its
// footer/header to place it in the chain graph.
type Entry struct {
	Path       string
	UUID       [16]byte
	IsDiff     bool
	ParentUUID [16]byte
}

type node struct {
	id    int64
	entry Entry
}

func (n *node) ID() int64 { return n.id }

// Graph is the built parent→child relationship over one directory's files.
type Graph struct {
	g        *simple.DirectedGraph
	byUUID   map[[16]byte]*node
	children map[[16]byte][]*node // parent UUID -> child nodes naming it
}

// Build constructs the chain graph from entries (spec.md §4.11: "discover
// every parent→child relationship (by matching prt_uuid against
// footer.uuid, not by filename)"). Edges run child→parent, matching the
// teacher's dependent→dependency direction.
func Build(entries []Entry) *Graph {
	g := simple.NewDirectedGraph()
	byUUID := make(map[[16]byte]*node, len(entries))
	children := make(map[[16]byte][]*node)

	for i, e := range entries {
		n := &node{id: int64(i), entry: e}
		byUUID[e.UUID] = n
		g.AddNode(n)
	}
	for _, n := range byUUID {
		if !n.entry.IsDiff {
			continue
		}
		parent, ok := byUUID[n.entry.ParentUUID]
		if !ok {
			continue // parent not present in this directory; not a cycle concern
		}
		g.SetEdge(g.NewEdge(n, parent))
		children[parent.entry.UUID] = append(children[parent.entry.UUID], n)
	}
	return &Graph{g: g, byUUID: byUUID, children: children}
}

// Cycle is a set of mutually-dependent files; finding one always indicates
// corruption (spec.md §9 "chain must not be cyclic").
type Cycle struct {
	Paths []string
}

// Cycles reports every strongly-connected component of size > 1, which
// under a well-formed chain never occurs (grounded on the teacher's own
// commented-out topo.TarjanSCC probe in internal/batch.go).
func (cg *Graph) Cycles() []Cycle {
	var cycles []Cycle
	for _, component := range topo.TarjanSCC(cg.g) {
		if len(component) <= 1 {
			continue
		}
		var c Cycle
		for _, n := range component {
			c.Paths = append(c.Paths, n.(*node).entry.Path)
		}
		cycles = append(cycles, c)
	}
	return cycles
}

// CoalesceOrder returns the file paths in an order suitable for driving
// `coalesce` front-to-back: every child appears before the parent it names,
// so coalescing proceeds leaf-to-root (spec.md §4.11). It fails if the
// graph contains a cycle.
func (cg *Graph) CoalesceOrder() ([]string, error) {
	sorted, err := topo.Sort(cg.g)
	if err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			return nil, vhderr.New(vhderr.InvalidFormat, describeCycle(uo))
		}
		return nil, vhderr.Wrap(vhderr.InvalidFormat, "chain scan: topological sort", err)
	}
	paths := make([]string, len(sorted))
	for i, n := range sorted {
		paths[i] = n.(*node).entry.Path
	}
	return paths, nil
}

func describeCycle(uo topo.Unorderable) string {
	var paths []string
	for _, component := range uo {
		for _, n := range component {
			paths = append(paths, n.(*node).entry.Path)
		}
	}
	sort.Strings(paths)
	msg := "chain scan: cycle detected among: "
	for i, p := range paths {
		if i > 0 {
			msg += ", "
		}
		msg += p
	}
	return msg
}

// Children returns the direct children naming parentUUID, in path order,
// useful for a recursive coalesce-from-root walk.
func (cg *Graph) Children(parentUUID [16]byte) []Entry {
	kids := cg.children[parentUUID]
	sort.Slice(kids, func(i, j int) bool {
		return kids[i].entry.Path < kids[j].entry.Path
	})
	out := make([]Entry, len(kids))
	for i, n := range kids {
		out[i] = n.entry
	}
	return out
}

// Roots returns every entry with no resolved parent in this directory: the
// base image of each chain found.
func (cg *Graph) Roots() []Entry {
	var roots []Entry
	for nodes := cg.g.Nodes(); nodes.Next(); {
		n := nodes.Node().(*node)
		if cg.g.From(n.ID()).Len() == 0 {
			roots = append(roots, n.entry)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Path < roots[j].Path })
	return roots
}
