package octree

import (
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

const noNode int32 = -1

// node is one cube of the arena. Children are arena indices; a node either
// holds a leaf particle, has 8 children, or is empty.
type node struct {
	base   vecmath.Vector3
	length float64
	// mid splits the cube into octants. It is stored rather than derived so
	// a root enlarged by grow keeps its old root's corner as the exact split.
	mid   vecmath.Vector3
	count int

	split    bool
	children [8]int32

	leaf     bool
	particle charge.Particle
	// stacked is the charge of further particles merged into a leaf at the
	// identical position.
	stacked float64

	charge float64
	center vecmath.Vector3
}

func newNode(base vecmath.Vector3, length float64) node {
	half := length / 2
	n := node{
		base:   base,
		length: length,
		mid:    vecmath.New(base.X+half, base.Y+half, base.Z+half),
	}
	for i := range n.children {
		n.children[i] = noNode
	}
	return n
}

// contains is the half-open membership test base <= p < base+length.
func (n *node) contains(p vecmath.Vector3) bool {
	return n.base.X <= p.X && p.X < n.base.X+n.length &&
		n.base.Y <= p.Y && p.Y < n.base.Y+n.length &&
		n.base.Z <= p.Z && p.Z < n.base.Z+n.length
}

// octant returns the child index for p: bit 0 set for the high x half,
// bit 1 for high y, bit 2 for high z. Comparing against the stored midpoint
// puts every point of the parent in exactly one child.
func (n *node) octant(p vecmath.Vector3) int {
	return octantOf(n.mid, p)
}

func octantOf(mid vecmath.Vector3, p vecmath.Vector3) int {
	oct := 0
	if p.X >= mid.X {
		oct |= 1
	}
	if p.Y >= mid.Y {
		oct |= 2
	}
	if p.Z >= mid.Z {
		oct |= 4
	}
	return oct
}

// octantBase returns the minimum corner of child oct: the parent's corner on
// low axes and the midpoint on high ones.
func octantBase(base, mid vecmath.Vector3, oct int) vecmath.Vector3 {
	b := base
	if oct&1 != 0 {
		b.X = mid.X
	}
	if oct&2 != 0 {
		b.Y = mid.Y
	}
	if oct&4 != 0 {
		b.Z = mid.Z
	}
	return b
}

// Cell is a read-only view of one octree node. A Cell obtained from a
// Builder is invalidated by the next Insert.
type Cell struct {
	nodes []node
	idx   int32
}

func (c Cell) n() *node { return &c.nodes[c.idx] }

// Base returns the minimum corner of the cube.
func (c Cell) Base() vecmath.Vector3 { return c.n().base }

// Length returns the edge length of the cube.
func (c Cell) Length() float64 { return c.n().length }

// Count returns the number of particles in the subtree.
func (c Cell) Count() int { return c.n().count }

// Charge returns the aggregated charge. Valid after aggregation.
func (c Cell) Charge() float64 { return c.n().charge }

// CenterOfCharge returns the charge-weighted centroid. Valid after
// aggregation; the zero vector for an empty cell.
func (c Cell) CenterOfCharge() vecmath.Vector3 { return c.n().center }

// IsLeaf reports whether the cell has no children.
func (c Cell) IsLeaf() bool { return !c.n().split }

// Contains reports whether p lies in the half-open cube.
func (c Cell) Contains(p vecmath.Vector3) bool { return c.n().contains(p) }

// Particle returns the stored particle of a leaf. A leaf holding merged
// coincident particles returns the first one inserted.
func (c Cell) Particle() (charge.Particle, bool) {
	n := c.n()
	return n.particle, n.leaf
}

// Children returns the 8 octants, or nil for a leaf.
func (c Cell) Children() []Cell {
	n := c.n()
	if !n.split {
		return nil
	}
	out := make([]Cell, len(n.children))
	for i, idx := range n.children {
		out[i] = Cell{nodes: c.nodes, idx: idx}
	}
	return out
}

// Walk visits the subtree in pre-order. Returning false from fn skips the
// children of that cell.
func (c Cell) Walk(fn func(cell Cell, depth int) bool) {
	c.walk(fn, 0)
}

func (c Cell) walk(fn func(Cell, int) bool, depth int) {
	if !fn(c, depth) {
		return
	}
	for _, child := range c.Children() {
		child.walk(fn, depth+1)
	}
}
