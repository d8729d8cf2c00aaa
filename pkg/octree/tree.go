package octree

import (
	"context"
	"math"

	sdkerrors "cosmossdk.io/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Tree is an aggregated octree. It is never mutated, so any number of
// goroutines may evaluate forces on it at once.
type Tree struct {
	nodes   []node
	root    int32
	k       float64
	workers int
	dropped int
	log     zerolog.Logger
}

// Build inserts every particle into a root cube and returns the aggregated
// tree.
func Build(base vecmath.Vector3, length float64, particles []charge.Particle, opts Options) (*Tree, error) {
	b, err := NewBuilder(base, length, opts)
	if err != nil {
		return nil, err
	}
	if err := b.InsertAll(particles); err != nil {
		return nil, err
	}
	return b.Build()
}

// Root returns a view of the root cell.
func (t *Tree) Root() Cell {
	return Cell{nodes: t.nodes, idx: t.root}
}

// Len returns the number of particles in the tree.
func (t *Tree) Len() int {
	return t.nodes[t.root].count
}

// Charge returns the total charge of the tree.
func (t *Tree) Charge() float64 {
	return t.nodes[t.root].charge
}

// Dropped returns how many particles were discarded during construction.
func (t *Tree) Dropped() int {
	return t.dropped
}

// Constant returns the coupling constant used by ForceOn.
func (t *Tree) Constant() float64 {
	return t.k
}

// ForceOn returns the approximate net force on p from every charge in the
// tree, using the opening angle theta. A cell whose edge over distance falls
// below theta is treated as a single charge at its center of charge; theta
// of zero opens every cell down to the leaves.
func (t *Tree) ForceOn(p charge.Particle, theta float64) vecmath.Vector3 {
	return t.forceOn(t.root, p, theta)
}

func (t *Tree) forceOn(idx int32, p charge.Particle, theta float64) vecmath.Vector3 {
	n := &t.nodes[idx]
	if n.count == 0 {
		return vecmath.Vector3{}
	}

	r := n.center.Distance(p.Position)
	if r == 0 {
		return vecmath.Vector3{}
	}

	if n.leaf || n.length/r < theta {
		// r³ because the direction vector carries one power of r
		return p.Position.Sub(n.center).Scale(t.k * n.charge * p.Charge / (r * r * r))
	}

	var force vecmath.Vector3
	for _, c := range n.children {
		force = force.Add(t.forceOn(c, p, theta))
	}
	return force
}

// Forces evaluates ForceOn for every particle, spreading the work over the
// configured number of workers. The result is parallel to particles.
func (t *Tree) Forces(ctx context.Context, particles []charge.Particle, theta float64) ([]vecmath.Vector3, error) {
	if math.IsNaN(theta) || theta < 0 {
		return nil, sdkerrors.Wrapf(ErrInvalidTheta, "theta %v", theta)
	}

	out := make([]vecmath.Vector3, len(particles))
	if len(particles) == 0 {
		return out, nil
	}

	chunk := len(particles) / (t.workers * 4)
	if chunk < 64 {
		chunk = 64
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for lo := 0; lo < len(particles); lo += chunk {
		hi := min(lo+chunk, len(particles))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				out[i] = t.ForceOn(particles[i], theta)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats summarises the shape of a tree.
type Stats struct {
	Particles int `json:"particles"`
	Nodes     int `json:"nodes"`
	Leaves    int `json:"leaves"`
	Empty     int `json:"empty"`
	MaxDepth  int `json:"max_depth"`
	Dropped   int `json:"dropped"`
}

// Stats walks the tree and counts its nodes.
func (t *Tree) Stats() Stats {
	s := Stats{Particles: t.Len(), Dropped: t.dropped}
	t.Root().Walk(func(c Cell, depth int) bool {
		s.Nodes++
		if depth > s.MaxDepth {
			s.MaxDepth = depth
		}
		if c.IsLeaf() {
			if c.Count() == 0 {
				s.Empty++
			} else {
				s.Leaves++
			}
		}
		return true
	})
	return s
}
