// Package distribution generates reproducible synthetic charge
// configurations for exercising the solver.
package distribution

import (
	"math"
	"math/rand"
	"strings"

	sdkerrors "cosmossdk.io/errors"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Codespace is the error codespace for generator errors.
const Codespace = "distribution"

var (
	ErrUnknownKind   = sdkerrors.Register(Codespace, 2, "unknown distribution kind")
	ErrInvalidParams = sdkerrors.Register(Codespace, 3, "invalid distribution parameters")
)

// Kind names a generator.
type Kind string

const (
	KindCube       Kind = "cube"
	KindSphere     Kind = "sphere"
	KindHalfSphere Kind = "halfsphere"
	KindLattice    Kind = "lattice"
	KindIonLattice Kind = "ionlattice"
)

// Kinds lists every generator.
var Kinds = []Kind{KindCube, KindSphere, KindHalfSphere, KindLattice, KindIonLattice}

// Params describes a distribution. Size is the cube edge, sphere radius or
// lattice spacing depending on Kind. For lattices N is rounded down to a
// perfect cube.
type Params struct {
	Kind   Kind
	N      int
	Seed   int64
	Center vecmath.Vector3
	Size   float64
	Charge float64
}

// Generate dispatches on p.Kind.
func Generate(p Params) ([]charge.Particle, error) {
	if p.N < 0 || !(p.Size > 0) {
		return nil, sdkerrors.Wrapf(ErrInvalidParams, "n=%d size=%v", p.N, p.Size)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	switch Kind(strings.ToLower(string(p.Kind))) {
	case KindCube:
		return UniformCube(rng, p.N, p.Center, p.Size, p.Charge), nil
	case KindSphere:
		return UniformSphere(rng, p.N, p.Center, p.Size, p.Charge), nil
	case KindHalfSphere:
		return HalfSphereShell(rng, p.N, p.Center, p.Size, 0.1*p.Size, p.Charge), nil
	case KindLattice:
		return CubicLattice(side(p.N), p.Center, p.Size, p.Charge, false), nil
	case KindIonLattice:
		return CubicLattice(side(p.N), p.Center, p.Size, p.Charge, true), nil
	default:
		return nil, sdkerrors.Wrapf(ErrUnknownKind, "%q", p.Kind)
	}
}

func side(n int) int {
	s := int(math.Cbrt(float64(n)))
	for (s+1)*(s+1)*(s+1) <= n {
		s++
	}
	return s
}

// UniformCube places n charges uniformly in the cube of edge length centred
// on center.
func UniformCube(rng *rand.Rand, n int, center vecmath.Vector3, length, q float64) []charge.Particle {
	base := center.Sub(vecmath.New(length/2, length/2, length/2))
	ps := make([]charge.Particle, n)
	for i := range ps {
		ps[i] = charge.New(
			base.X+length*rng.Float64(),
			base.Y+length*rng.Float64(),
			base.Z+length*rng.Float64(),
			q,
		)
	}
	return ps
}

// UniformSphere places n charges uniformly inside a ball.
func UniformSphere(rng *rand.Rand, n int, center vecmath.Vector3, radius, q float64) []charge.Particle {
	ps := make([]charge.Particle, n)
	for i := range ps {
		r := radius * math.Cbrt(rng.Float64())
		ps[i] = charge.Particle{Position: center.Add(unitVector(rng).Scale(r)), Charge: q}
	}
	return ps
}

// HalfSphereShell places n charges in the upper (z >= center.Z) half of a
// spherical shell between radius-thickness and radius, the shape of a
// nanoparticle cap resting on a substrate.
func HalfSphereShell(rng *rand.Rand, n int, center vecmath.Vector3, radius, thickness, q float64) []charge.Particle {
	inner := math.Max(radius-thickness, 0)
	ps := make([]charge.Particle, n)
	for i := range ps {
		u := unitVector(rng)
		u.Z = math.Abs(u.Z)
		// uniform in volume between the two radii
		r3 := inner*inner*inner + rng.Float64()*(radius*radius*radius-inner*inner*inner)
		ps[i] = charge.Particle{Position: center.Add(u.Scale(math.Cbrt(r3))), Charge: q}
	}
	return ps
}

// CubicLattice places side³ charges on a simple cubic lattice with the given
// spacing, centred on center. With alternate set the charge sign flips
// between neighbouring sites, giving a neutral rock-salt style crystal for
// even sides.
func CubicLattice(side int, center vecmath.Vector3, spacing, q float64, alternate bool) []charge.Particle {
	if side <= 0 {
		return nil
	}
	offset := spacing * float64(side-1) / 2
	ps := make([]charge.Particle, 0, side*side*side)
	for i := 0; i < side; i++ {
		for j := 0; j < side; j++ {
			for k := 0; k < side; k++ {
				sq := q
				if alternate && (i+j+k)%2 == 1 {
					sq = -q
				}
				ps = append(ps, charge.New(
					center.X+float64(i)*spacing-offset,
					center.Y+float64(j)*spacing-offset,
					center.Z+float64(k)*spacing-offset,
					sq,
				))
			}
		}
	}
	return ps
}

// unitVector returns a direction uniform on the sphere.
func unitVector(rng *rand.Rand) vecmath.Vector3 {
	z := 2*rng.Float64() - 1
	phi := 2 * math.Pi * rng.Float64()
	s := math.Sqrt(1 - z*z)
	return vecmath.New(s*math.Cos(phi), s*math.Sin(phi), z)
}
