package octree

import (
	"math"

	sdkerrors "cosmossdk.io/errors"
	"golang.org/x/sync/errgroup"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Builder owns a tree during construction and aggregation. It is not safe
// for concurrent use. Build seals it and hands out the read-only Tree.
type Builder struct {
	opts    Options
	nodes   []node
	root    int32
	dropped int
	sealed  bool
}

// NewBuilder creates an empty root cube with minimum corner base and edge
// length.
func NewBuilder(base vecmath.Vector3, length float64, opts Options) (*Builder, error) {
	if !(length > 0) || math.IsInf(length, 0) {
		return nil, sdkerrors.Wrapf(ErrInvalidDomain, "edge length %v", length)
	}
	if !base.IsFinite() {
		return nil, sdkerrors.Wrapf(ErrInvalidDomain, "base %+v", base)
	}

	b := &Builder{
		opts:  opts.withDefaults(),
		nodes: make([]node, 0, 64),
	}
	b.root = b.alloc(base, length)
	return b, nil
}

func (b *Builder) alloc(base vecmath.Vector3, length float64) int32 {
	b.nodes = append(b.nodes, newNode(base, length))
	return int32(len(b.nodes) - 1)
}

// Root returns a view of the root cell, valid until the next Insert.
func (b *Builder) Root() Cell {
	return Cell{nodes: b.nodes, idx: b.root}
}

// Count returns the number of particles held by the tree.
func (b *Builder) Count() int {
	return b.nodes[b.root].count
}

// Dropped returns how many particles PolicyDrop discarded.
func (b *Builder) Dropped() int {
	return b.dropped
}

// InsertAll inserts the particles in order, stopping at the first error.
func (b *Builder) InsertAll(particles []charge.Particle) error {
	for i, p := range particles {
		if err := b.Insert(p); err != nil {
			return sdkerrors.Wrapf(err, "particle %d", i)
		}
	}
	return nil
}

// Insert adds one particle. Out-of-bounds particles are handled according to
// Options.OutOfBounds. On error the tree is left unchanged.
func (b *Builder) Insert(p charge.Particle) error {
	if b.sealed {
		return ErrSealed
	}

	if !b.nodes[b.root].contains(p.Position) {
		switch b.opts.OutOfBounds {
		case PolicyReject:
			return sdkerrors.Wrapf(ErrOutOfBounds, "position %+v", p.Position)
		case PolicyGrow:
			if err := b.grow(p.Position); err != nil {
				return err
			}
		default:
			b.dropped++
			b.opts.Logger.Debug().
				Float64("x", p.Position.X).
				Float64("y", p.Position.Y).
				Float64("z", p.Position.Z).
				Msg("dropping particle outside root cell")
			return nil
		}
	}

	if err := b.checkDepth(p.Position); err != nil {
		return err
	}

	idx := b.root
	for {
		n := &b.nodes[idx]
		switch {
		case n.count == 0:
			n.leaf = true
			n.particle = p
			n.stacked = 0
			n.count = 1
			return nil
		case n.leaf && b.opts.MergeCoincident && n.particle.Position == p.Position:
			n.stacked += p.Charge
			n.count++
			return nil
		case n.leaf:
			idx = b.splitLeaf(idx, p.Position)
		default:
			n.count++
			idx = n.children[n.octant(p.Position)]
		}
	}
}

// splitLeaf turns the leaf at idx into an interior node, moves its particles
// into the matching octant and returns the octant that pos belongs to. The
// count of idx is bumped to account for the particle being inserted.
func (b *Builder) splitLeaf(idx int32, pos vecmath.Vector3) int32 {
	b.createSubcells(idx)

	n := &b.nodes[idx]
	old, stacked, count := n.particle, n.stacked, n.count
	n.leaf = false
	n.particle = charge.Particle{}
	n.stacked = 0
	n.count = count + 1

	c := &b.nodes[n.children[n.octant(old.Position)]]
	c.leaf = true
	c.particle = old
	c.stacked = stacked
	c.count = count

	return n.children[n.octant(pos)]
}

// createSubcells allocates the 8 octants of idx.
func (b *Builder) createSubcells(idx int32) {
	base, mid, length := b.nodes[idx].base, b.nodes[idx].mid, b.nodes[idx].length
	var children [8]int32
	for oct := range children {
		children[oct] = b.alloc(octantBase(base, mid, oct), length/2)
	}
	n := &b.nodes[idx]
	n.children = children
	n.split = true
}

// checkDepth walks to the node that would receive pos and, when that node
// already holds a particle, verifies the two separate within MaxDepth.
func (b *Builder) checkDepth(pos vecmath.Vector3) error {
	idx, depth := b.root, 0
	for b.nodes[idx].split {
		n := &b.nodes[idx]
		idx = n.children[n.octant(pos)]
		depth++
	}

	n := &b.nodes[idx]
	if !n.leaf {
		return nil
	}
	other := n.particle.Position
	if b.opts.MergeCoincident && other == pos {
		return nil
	}

	base, mid, length := n.base, n.mid, n.length
	for {
		if depth+1 > b.opts.MaxDepth {
			return sdkerrors.Wrapf(ErrMaxDepth, "position %+v collides with %+v", pos, other)
		}
		oa, ob := octantOf(mid, pos), octantOf(mid, other)
		if oa != ob {
			return nil
		}
		base = octantBase(base, mid, oa)
		length /= 2
		mid = newNode(base, length).mid
		depth++
	}
}

// grow doubles the root toward pos until pos is inside. A populated root
// becomes one octant of the new root.
func (b *Builder) grow(pos vecmath.Vector3) error {
	if !pos.IsFinite() {
		return sdkerrors.Wrapf(ErrOutOfBounds, "non-finite position %+v", pos)
	}

	for !b.nodes[b.root].contains(pos) {
		old := b.nodes[b.root]
		length := 2 * old.length
		if math.IsInf(length, 0) {
			return sdkerrors.Wrapf(ErrInvalidDomain, "root cannot grow to reach %+v", pos)
		}

		// The old root's far corner becomes the new midpoint on every axis
		// it grows toward, so the old root is exactly one octant.
		base, mid, oct := old.base, old.base, 0
		if pos.X < old.base.X {
			base.X -= old.length
			oct |= 1
		} else {
			mid.X += old.length
		}
		if pos.Y < old.base.Y {
			base.Y -= old.length
			oct |= 2
		} else {
			mid.Y += old.length
		}
		if pos.Z < old.base.Z {
			base.Z -= old.length
			oct |= 4
		} else {
			mid.Z += old.length
		}

		if !old.split {
			// a leaf or empty root stays a leaf; its particles are still inside
			r := &b.nodes[b.root]
			r.base = base
			r.length = length
			r.mid = newNode(base, length).mid
			continue
		}

		newRoot := b.alloc(base, length)
		var children [8]int32
		for i := range children {
			if i == oct {
				children[i] = b.root
				continue
			}
			children[i] = b.alloc(octantBase(base, mid, i), old.length)
		}
		r := &b.nodes[newRoot]
		r.mid = mid
		r.children = children
		r.split = true
		r.count = old.count
		b.root = newRoot
	}

	root := &b.nodes[b.root]
	b.opts.Logger.Debug().
		Float64("length", root.length).
		Interface("base", root.base).
		Msg("grew root cell")
	return nil
}

// Aggregate fills in charge and center of charge for every node, post-order.
// Each pass recomputes every node from scratch, so repeated calls are
// idempotent. With Options.Workers > 1 the root octants run concurrently.
func (b *Builder) Aggregate() error {
	if b.sealed {
		return ErrSealed
	}

	root := &b.nodes[b.root]
	if b.opts.Workers < 2 || !root.split {
		b.aggregate(b.root)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(b.opts.Workers)
	for _, c := range root.children {
		g.Go(func() error {
			b.aggregate(c)
			return nil
		})
	}
	_ = g.Wait()
	b.combine(b.root)
	return nil
}

func (b *Builder) aggregate(idx int32) {
	n := &b.nodes[idx]
	switch {
	case n.count == 0:
		n.charge = 0
		n.center = vecmath.Vector3{}
	case n.leaf:
		n.charge = n.particle.Charge + n.stacked
		n.center = n.particle.Position
	default:
		for _, c := range n.children {
			b.aggregate(c)
		}
		b.combine(idx)
	}
}

// combine sets idx's charge and center from its already aggregated
// children. A subtree whose charges cancel exactly gets the count-weighted
// mean of its children's centers instead of a division by zero.
func (b *Builder) combine(idx int32) {
	n := &b.nodes[idx]

	var (
		total    float64
		weighted vecmath.Vector3
		mean     vecmath.Vector3
		count    int
	)
	for _, c := range n.children {
		child := &b.nodes[c]
		if child.count == 0 {
			continue
		}
		total += child.charge
		weighted = weighted.Add(child.center.Scale(child.charge))
		mean = mean.Add(child.center.Scale(float64(child.count)))
		count += child.count
	}

	n.charge = total
	switch {
	case total != 0:
		n.center = weighted.Scale(1 / total)
	case count > 0:
		n.center = mean.Scale(1 / float64(count))
	default:
		n.center = vecmath.Vector3{}
	}
}

// Build aggregates the tree, seals the builder and returns the read-only
// query handle.
func (b *Builder) Build() (*Tree, error) {
	if err := b.Aggregate(); err != nil {
		return nil, err
	}
	b.sealed = true

	t := &Tree{
		nodes:   b.nodes,
		root:    b.root,
		k:       b.opts.Constant,
		workers: b.opts.Workers,
		dropped: b.dropped,
		log:     *b.opts.Logger,
	}
	t.log.Debug().
		Int("particles", t.Len()).
		Int("nodes", len(t.nodes)).
		Int("dropped", t.dropped).
		Msg("octree built")
	return t, nil
}
