package octree

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

func randomParticles(rng *rand.Rand, n int, base vecmath.Vector3, length float64, mixed bool) []charge.Particle {
	ps := make([]charge.Particle, n)
	for i := range ps {
		q := 0.5 + rng.Float64()
		if mixed && rng.Intn(2) == 0 {
			q = -q
		}
		ps[i] = charge.New(
			base.X+length*rng.Float64(),
			base.Y+length*rng.Float64(),
			base.Z+length*rng.Float64(),
			q,
		)
	}
	return ps
}

func mustBuild(t *testing.T, base vecmath.Vector3, length float64, ps []charge.Particle, opts Options) *Tree {
	t.Helper()
	tree, err := Build(base, length, ps, opts)
	require.NoError(t, err)
	return tree
}

func assertVecInDelta(t *testing.T, want, got vecmath.Vector3, delta float64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, msgAndArgs...)
	assert.InDelta(t, want.Y, got.Y, delta, msgAndArgs...)
	assert.InDelta(t, want.Z, got.Z, delta, msgAndArgs...)
}

func relativeError(approx, exact vecmath.Vector3) float64 {
	return approx.Sub(exact).Magnitude() / exact.Magnitude()
}

func TestTwoUnitCharges(t *testing.T) {
	ps := []charge.Particle{
		charge.New(0, 0, 0, 1),
		charge.New(1, 0, 0, 1),
	}
	tree := mustBuild(t, vecmath.New(-1, -1, -1), 4, ps, DefaultOptions())

	f0 := tree.ForceOn(ps[0], 0)
	f1 := tree.ForceOn(ps[1], 0)

	assert.InDelta(t, charge.K, f0.Magnitude(), 1e-12)
	assert.InDelta(t, charge.K, f1.Magnitude(), 1e-12)
	assert.Less(t, f0.X, 0.0, "pushed away from +x neighbour")
	assert.Greater(t, f1.X, 0.0, "pushed away from -x neighbour")
	assertVecInDelta(t, f0.Scale(-1), f1, 1e-12)
}

func TestSingleParticleHasNoForce(t *testing.T) {
	p := charge.New(0.3, -2, 5, 4)
	tree := mustBuild(t, vecmath.New(-10, -10, -10), 20, []charge.Particle{p}, DefaultOptions())

	for _, theta := range []float64{0, 0.5, 1, 10} {
		assert.True(t, tree.ForceOn(p, theta).IsZero(), "theta %v", theta)
	}
}

func TestEmptyTree(t *testing.T) {
	tree := mustBuild(t, vecmath.New(0, 0, 0), 1, nil, DefaultOptions())
	assert.Zero(t, tree.Len())
	assert.Zero(t, tree.Charge())
	assert.True(t, tree.ForceOn(charge.New(0.5, 0.5, 0.5, 1), 0).IsZero())
}

func TestOctantCentredChargesShortCircuit(t *testing.T) {
	var ps []charge.Particle
	for oct := 0; oct < 8; oct++ {
		c := octantBase(vecmath.New(0, 0, 0), vecmath.New(1, 1, 1), oct).Add(vecmath.New(0.5, 0.5, 0.5))
		ps = append(ps, charge.New(c.X, c.Y, c.Z, 1))
	}
	tree := mustBuild(t, vecmath.New(0, 0, 0), 2, ps, DefaultOptions())
	require.Equal(t, 8, tree.Len())
	for _, c := range tree.Root().Children() {
		require.Equal(t, 1, c.Count())
	}

	probe := charge.New(30, 5, 2, 1)
	center := tree.Root().CenterOfCharge()
	assertVecInDelta(t, vecmath.New(1, 1, 1), center, 1e-15)

	r := probe.Position.Distance(center)
	single := probe.Position.Sub(center).Scale(charge.K * 8 * probe.Charge / (r * r * r))

	approx := tree.ForceOn(probe, 10)
	assertVecInDelta(t, single, approx, 1e-15)

	exact := tree.ForceOn(probe, 0)
	var sum vecmath.Vector3
	for _, p := range ps {
		sum = sum.Add(charge.PairForce(probe, p, charge.K))
	}
	assertVecInDelta(t, sum, exact, 1e-12)

	rel := relativeError(approx, exact)
	assert.Greater(t, rel, 1e-12)
	assert.Less(t, rel, 1e-3)
}

func TestChargeConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := vecmath.New(-10, -10, -10)
	ps := randomParticles(rng, 500, base, 20, true)

	tree := mustBuild(t, base, 20, ps, DefaultOptions())
	assert.Equal(t, len(ps), tree.Len())
	assert.InDelta(t, charge.TotalCharge(ps), tree.Charge(), 1e-9)
}

func TestMembership(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	base := vecmath.New(0, 0, 0)
	ps := randomParticles(rng, 300, base, 1, false)
	outside := []charge.Particle{
		charge.New(1, 0.5, 0.5, 1), // upper face is excluded
		charge.New(-0.1, 0.5, 0.5, 1),
		charge.New(0.5, 0.5, 7, 1),
	}

	b, err := NewBuilder(base, 1, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.InsertAll(append(append([]charge.Particle{}, ps...), outside...)))
	assert.Equal(t, len(ps), b.Count())
	assert.Equal(t, len(outside), b.Dropped())

	tree, err := b.Build()
	require.NoError(t, err)

	seen := make(map[charge.Particle]int)
	tree.Root().Walk(func(c Cell, _ int) bool {
		if p, ok := c.Particle(); ok {
			seen[p]++
			assert.True(t, c.Contains(p.Position))
		}
		return true
	})
	require.Len(t, seen, len(ps))
	for _, p := range ps {
		assert.Equal(t, 1, seen[p])
	}
}

func TestStructuralInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	base := vecmath.New(-1, -1, -1)
	tree := mustBuild(t, base, 2, randomParticles(rng, 400, base, 2, true), DefaultOptions())

	tree.Root().Walk(func(c Cell, _ int) bool {
		_, hasParticle := c.Particle()
		switch {
		case c.Count() == 0:
			assert.True(t, c.IsLeaf())
			assert.False(t, hasParticle)
			assert.Zero(t, c.Charge())
		case c.Count() == 1:
			assert.True(t, c.IsLeaf())
			assert.True(t, hasParticle)
		default:
			assert.False(t, hasParticle)
			children := c.Children()
			require.Len(t, children, 8)
			sum := 0
			for _, ch := range children {
				sum += ch.Count()
				assert.Equal(t, c.Length()/2, ch.Length())
			}
			assert.Equal(t, c.Count(), sum)
		}
		return true
	})
}

func TestCreateSubcellsLayout(t *testing.T) {
	b, err := NewBuilder(vecmath.New(1, 2, 3), 4, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Insert(charge.New(1.5, 2.5, 3.5, 1)))
	require.NoError(t, b.Insert(charge.New(4.5, 5.5, 6.5, 1)))

	children := b.Root().Children()
	require.Len(t, children, 8)

	bases := make(map[vecmath.Vector3]bool)
	for _, c := range children {
		assert.Equal(t, 2.0, c.Length())
		bases[c.Base()] = true
	}
	for _, dx := range []float64{0, 2} {
		for _, dy := range []float64{0, 2} {
			for _, dz := range []float64{0, 2} {
				assert.True(t, bases[vecmath.New(1+dx, 2+dy, 3+dz)])
			}
		}
	}
}

func TestAggregationIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	base := vecmath.New(0, 0, 0)
	b, err := NewBuilder(base, 10, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.InsertAll(randomParticles(rng, 200, base, 10, true)))

	snapshot := func() []node {
		require.NoError(t, b.Aggregate())
		return append([]node(nil), b.nodes...)
	}
	first := snapshot()
	second := snapshot()
	assert.Equal(t, first, second)
}

func TestAggregationMatchesDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	base := vecmath.New(-5, -5, -5)
	tree := mustBuild(t, base, 10, randomParticles(rng, 150, base, 10, false), DefaultOptions())

	tree.Root().Walk(func(c Cell, _ int) bool {
		if c.IsLeaf() {
			return true
		}
		var q float64
		var w vecmath.Vector3
		for _, ch := range c.Children() {
			q += ch.Charge()
			w = w.Add(ch.CenterOfCharge().Scale(ch.Charge()))
		}
		assert.InDelta(t, q, c.Charge(), 1e-9)
		assertVecInDelta(t, w.Scale(1/q), c.CenterOfCharge(), 1e-9)
		return true
	})
}

func TestParallelAggregationMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	base := vecmath.New(0, 0, 0)
	ps := randomParticles(rng, 400, base, 1, true)

	seq := mustBuild(t, base, 1, ps, DefaultOptions())
	opts := DefaultOptions()
	opts.Workers = 4
	par := mustBuild(t, base, 1, ps, opts)

	assert.Equal(t, seq.nodes, par.nodes)
}

func TestNeutralSubtreeCentroid(t *testing.T) {
	ps := []charge.Particle{
		charge.New(0.25, 0.25, 0.25, 1),
		charge.New(0.75, 0.25, 0.25, -1),
	}
	tree := mustBuild(t, vecmath.New(0, 0, 0), 1, ps, DefaultOptions())

	assert.Zero(t, tree.Charge())
	center := tree.Root().CenterOfCharge()
	assert.True(t, center.IsFinite())
	assertVecInDelta(t, vecmath.New(0.5, 0.25, 0.25), center, 1e-15)

	// a neutral pair still exerts its dipole field on a nearby probe
	probe := charge.New(0.25, 0.9, 0.25, 1)
	f := tree.ForceOn(probe, 0)
	want := charge.PairForce(probe, ps[0], charge.K).Add(charge.PairForce(probe, ps[1], charge.K))
	assertVecInDelta(t, want, f, 1e-12)
}

func TestConvergesToExact(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	base := vecmath.New(-10, -10, -10)
	ps := randomParticles(rng, 300, base, 20, false)
	tree := mustBuild(t, base, 20, ps, DefaultOptions())

	exact, err := charge.Exact(context.Background(), ps, charge.K)
	require.NoError(t, err)

	meanError := func(theta float64) float64 {
		forces, err := tree.Forces(context.Background(), ps, theta)
		require.NoError(t, err)
		total := 0.0
		for i := range forces {
			total += relativeError(forces[i], exact[i])
		}
		return total / float64(len(forces))
	}

	assert.Less(t, meanError(0), 1e-9)
	small, large := meanError(0.3), meanError(1.0)
	assert.Less(t, small, large)
	assert.Less(t, large, 0.5)
}

func TestNetForceNearZero(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	base := vecmath.New(0, 0, 0)
	ps := randomParticles(rng, 200, base, 1, false)
	tree := mustBuild(t, base, 1, ps, DefaultOptions())

	forces, err := tree.Forces(context.Background(), ps, 0)
	require.NoError(t, err)

	var net vecmath.Vector3
	scale := 0.0
	for _, f := range forces {
		net = net.Add(f)
		scale += f.Magnitude()
	}
	assert.Less(t, net.Magnitude()/scale, 1e-9)
}

func TestOutOfBoundsReject(t *testing.T) {
	opts := DefaultOptions()
	opts.OutOfBounds = PolicyReject
	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, opts)
	require.NoError(t, err)

	require.NoError(t, b.Insert(charge.New(0.5, 0.5, 0.5, 1)))
	err = b.Insert(charge.New(1, 0.5, 0.5, 1))
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, 1, b.Count())
	assert.Zero(t, b.Dropped())

	err = b.InsertAll([]charge.Particle{charge.New(0.1, 0.1, 0.1, 1), charge.New(2, 2, 2, 1)})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Contains(t, err.Error(), "particle 1")
}

func TestOutOfBoundsGrow(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	opts := DefaultOptions()
	opts.OutOfBounds = PolicyGrow

	ps := randomParticles(rng, 50, vecmath.New(0, 0, 0), 1, true)
	ps = append(ps,
		charge.New(-3.5, 0.5, 0.5, 2),
		charge.New(0.2, 9, -4, -1),
		charge.New(1, 1, 1, 0.5),
	)

	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.InsertAll(ps))
	assert.Equal(t, len(ps), b.Count())
	assert.Zero(t, b.Dropped())

	tree, err := b.Build()
	require.NoError(t, err)
	for _, p := range ps {
		assert.True(t, tree.Root().Contains(p.Position))
	}
	assert.InDelta(t, charge.TotalCharge(ps), tree.Charge(), 1e-9)

	exact, err := charge.Exact(context.Background(), ps, charge.K)
	require.NoError(t, err)
	forces, err := tree.Forces(context.Background(), ps, 0)
	require.NoError(t, err)
	for i := range ps {
		assert.Less(t, relativeError(forces[i], exact[i]), 1e-9, "particle %d", i)
	}
}

func TestGrowFromLeafRoot(t *testing.T) {
	opts := DefaultOptions()
	opts.OutOfBounds = PolicyGrow
	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, opts)
	require.NoError(t, err)

	require.NoError(t, b.Insert(charge.New(0.5, 0.5, 0.5, 1)))
	require.NoError(t, b.Insert(charge.New(5, 5, 5, 1)))
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, 8.0, b.Root().Length())

	err = b.Insert(charge.New(math.NaN(), 0, 0, 1))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestCoincidentParticles(t *testing.T) {
	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Insert(charge.New(0.5, 0.5, 0.5, 1)))

	err = b.Insert(charge.New(0.5, 0.5, 0.5, 2))
	assert.ErrorIs(t, err, ErrMaxDepth)
	assert.Equal(t, 1, b.Count())
	assert.True(t, b.Root().IsLeaf())

	opts := DefaultOptions()
	opts.MaxDepth = 3
	b, err = NewBuilder(vecmath.New(0, 0, 0), 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.Insert(charge.New(0.01, 0.01, 0.01, 1)))
	assert.ErrorIs(t, b.Insert(charge.New(0.02, 0.02, 0.02, 1)), ErrMaxDepth)
	require.NoError(t, b.Insert(charge.New(0.9, 0.9, 0.9, 1)))
	assert.Equal(t, 2, b.Count())
}

func TestMergeCoincident(t *testing.T) {
	opts := DefaultOptions()
	opts.MergeCoincident = true
	ps := []charge.Particle{
		charge.New(0.5, 0.5, 0.5, 1),
		charge.New(0.5, 0.5, 0.5, 2),
		charge.New(0.1, 0.1, 0.1, -1),
	}
	tree := mustBuild(t, vecmath.New(0, 0, 0), 1, ps, opts)
	require.Equal(t, 3, tree.Len())
	assert.InDelta(t, 2.0, tree.Charge(), 1e-15)

	stacked := tree.Root().Children()[7]
	assert.True(t, stacked.IsLeaf())
	assert.Equal(t, 2, stacked.Count())
	assert.Equal(t, 3.0, stacked.Charge())
	assert.Equal(t, vecmath.New(0.5, 0.5, 0.5), stacked.CenterOfCharge())

	// stacked particles only feel the third charge
	for _, p := range ps[:2] {
		assertVecInDelta(t, charge.PairForce(p, ps[2], charge.K), tree.ForceOn(p, 0), 1e-6)
	}
	want := charge.PairForce(ps[2], ps[0], charge.K).Add(charge.PairForce(ps[2], ps[1], charge.K))
	assertVecInDelta(t, want, tree.ForceOn(ps[2], 0), 1e-6)

	// nearly coincident positions still hit the depth limit
	opts.MaxDepth = 3
	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.Insert(charge.New(0.01, 0.01, 0.01, 1)))
	require.NoError(t, b.Insert(charge.New(0.01, 0.01, 0.01, 1)))
	assert.ErrorIs(t, b.Insert(charge.New(0.02, 0.02, 0.02, 1)), ErrMaxDepth)
	assert.Equal(t, 2, b.Count())
}

func TestGrowKeepsOldRootAsExactOctant(t *testing.T) {
	opts := DefaultOptions()
	opts.OutOfBounds = PolicyGrow

	b, err := NewBuilder(vecmath.New(0.1, 0.1, 0.1), 0.3, opts)
	require.NoError(t, err)
	require.NoError(t, b.Insert(charge.New(0.15, 0.15, 0.15, 1)))
	require.NoError(t, b.Insert(charge.New(0.35, 0.35, 0.35, 1)))
	require.NoError(t, b.Insert(charge.New(-0.1, 0.2, 0.2, 1)))

	// a point on the old root's lower face belongs to the old root
	require.NoError(t, b.Insert(charge.New(0.1, 0.2, 0.2, 1)))

	root := b.Root()
	assert.Equal(t, 0.6, root.Length())
	old := root.Children()[1]
	assert.Equal(t, 0.1, old.Base().X)
	assert.Equal(t, 0.3, old.Length())
	assert.Equal(t, 3, old.Count())
	assert.Equal(t, 1, root.Children()[0].Count())

	root.Walk(func(c Cell, _ int) bool {
		if p, ok := c.Particle(); ok {
			assert.True(t, c.Contains(p.Position), "%+v outside %+v", p.Position, c.Base())
		}
		return true
	})
}

func TestSealed(t *testing.T) {
	b, err := NewBuilder(vecmath.New(0, 0, 0), 1, DefaultOptions())
	require.NoError(t, err)
	_, err = b.Build()
	require.NoError(t, err)

	assert.ErrorIs(t, b.Insert(charge.New(0.5, 0.5, 0.5, 1)), ErrSealed)
	assert.ErrorIs(t, b.Aggregate(), ErrSealed)
}

func TestInvalidDomain(t *testing.T) {
	for _, length := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := NewBuilder(vecmath.New(0, 0, 0), length, DefaultOptions())
		assert.ErrorIs(t, err, ErrInvalidDomain, "length %v", length)
	}
	_, err := NewBuilder(vecmath.New(math.Inf(-1), 0, 0), 1, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestForcesParallel(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	base := vecmath.New(0, 0, 0)
	ps := randomParticles(rng, 1000, base, 1, true)

	opts := DefaultOptions()
	opts.Workers = 8
	tree := mustBuild(t, base, 1, ps, opts)

	forces, err := tree.Forces(context.Background(), ps, 0.7)
	require.NoError(t, err)
	require.Len(t, forces, len(ps))
	for i, p := range ps {
		assert.Equal(t, tree.ForceOn(p, 0.7), forces[i])
	}
}

func TestForcesErrors(t *testing.T) {
	ps := []charge.Particle{charge.New(0.5, 0.5, 0.5, 1)}
	tree := mustBuild(t, vecmath.New(0, 0, 0), 1, ps, DefaultOptions())

	_, err := tree.Forces(context.Background(), ps, -0.1)
	assert.ErrorIs(t, err, ErrInvalidTheta)
	_, err = tree.Forces(context.Background(), ps, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidTheta)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tree.Forces(ctx, ps, 0.5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStats(t *testing.T) {
	ps := []charge.Particle{
		charge.New(0, 0, 0, 1),
		charge.New(1, 0, 0, 1),
	}
	tree := mustBuild(t, vecmath.New(-1, -1, -1), 4, ps, DefaultOptions())

	s := tree.Stats()
	assert.Equal(t, 2, s.Particles)
	assert.Equal(t, 9, s.Nodes)
	assert.Equal(t, 2, s.Leaves)
	assert.Equal(t, 6, s.Empty)
	assert.Equal(t, 1, s.MaxDepth)
}

func TestBoundingCube(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	ps := randomParticles(rng, 100, vecmath.New(1e6, -3, 40), 0.01, true)
	ps = append(ps, charge.New(1e6, -3, 40, 1))

	base, length, err := BoundingCube(ps, 0)
	require.NoError(t, err)
	cube := newNode(base, length)
	for _, p := range ps {
		assert.True(t, cube.contains(p.Position))
	}

	base, length, err = BoundingCube([]charge.Particle{charge.New(2, 2, 2, 1)}, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, length)
	assert.Equal(t, vecmath.New(1.5, 1.5, 1.5), base)

	_, _, err = BoundingCube(nil, 0.1)
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestBoundingCubeOverflow(t *testing.T) {
	for _, ps := range [][]charge.Particle{
		{charge.New(-1e308, 0, 0, 1), charge.New(1e308, 0, 0, 1)},
		{charge.New(0, -8.9e307, 0, 1), charge.New(0, 8.9e307, 0, 1)},
	} {
		_, _, err := BoundingCube(ps, 0.01)
		assert.ErrorIs(t, err, ErrInvalidDomain)
	}

	base, length, err := BoundingCube([]charge.Particle{charge.New(-4e307, 0, 0, 1), charge.New(4e307, 0, 0, 1)}, 0.01)
	require.NoError(t, err)
	cube := newNode(base, length)
	assert.True(t, cube.contains(vecmath.New(-4e307, 0, 0)))
	assert.True(t, cube.contains(vecmath.New(4e307, 0, 0)))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]OutOfBoundsPolicy{
		"":        PolicyDrop,
		"drop":    PolicyDrop,
		" Reject": PolicyReject,
		"GROW":    PolicyGrow,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("wrap")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
