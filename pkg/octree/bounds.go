package octree

import (
	"math"

	sdkerrors "cosmossdk.io/errors"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// minPad keeps the largest coordinate strictly below base+length.
const minPad = 1e-9

// BoundingCube returns a cube centred on the particles' bounding box whose
// edge is the largest extent enlarged by the fraction pad. Every particle
// satisfies the half-open membership test of the returned cube.
func BoundingCube(particles []charge.Particle, pad float64) (vecmath.Vector3, float64, error) {
	if len(particles) == 0 {
		return vecmath.Vector3{}, 0, sdkerrors.Wrap(ErrInvalidDomain, "no particles to bound")
	}

	lo := particles[0].Position
	hi := lo
	for _, p := range particles {
		if !p.Position.IsFinite() {
			return vecmath.Vector3{}, 0, sdkerrors.Wrapf(ErrInvalidDomain, "non-finite position %+v", p.Position)
		}
		lo.X, hi.X = math.Min(lo.X, p.Position.X), math.Max(hi.X, p.Position.X)
		lo.Y, hi.Y = math.Min(lo.Y, p.Position.Y), math.Max(hi.Y, p.Position.Y)
		lo.Z, hi.Z = math.Min(lo.Z, p.Position.Z), math.Max(hi.Z, p.Position.Z)
	}

	extent := math.Max(hi.X-lo.X, math.Max(hi.Y-lo.Y, hi.Z-lo.Z))
	length := extent * (1 + math.Max(pad, minPad))
	if extent == 0 {
		length = 1
	}
	if math.IsInf(length, 0) || math.IsNaN(length) {
		return vecmath.Vector3{}, 0, sdkerrors.Wrapf(ErrInvalidDomain, "extent of %+v to %+v overflows", lo, hi)
	}

	mid := lo.Add(hi).Scale(0.5)
	scale := 1 + math.Max(math.Abs(mid.X), math.Max(math.Abs(mid.Y), math.Abs(mid.Z)))
	for {
		base := mid.Sub(vecmath.New(length/2, length/2, length/2))
		cube := newNode(base, length)
		if cube.contains(lo) && cube.contains(hi) {
			return base, length, nil
		}
		// rounding around large coordinates; widen by more than an ulp
		length += math.Max(length*minPad, scale*1e-12)
		if math.IsInf(length, 0) {
			return vecmath.Vector3{}, 0, sdkerrors.Wrapf(ErrInvalidDomain, "no finite cube holds %+v to %+v", lo, hi)
		}
	}
}
