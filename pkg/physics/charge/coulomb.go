package charge

import (
	"context"
	"math"

	"gonum.org/v1/gonum/spatial/barneshut"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// K is the Coulomb constant in the solver's reduced units.
const K = 8.988

// PairForce returns the force exerted on `on` by `from` using the vector
// form of Coulomb's law, (on - from)·k·q1·q2/r³. Coincident particles exert
// no force on each other.
func PairForce(on, from Particle, k float64) vecmath.Vector3 {
	d := on.Position.Sub(from.Position)
	r := d.Magnitude()
	if r == 0 {
		return vecmath.Vector3{}
	}
	return d.Scale(k * on.Charge * from.Charge / (r * r * r))
}

// Coulomb3 returns a barneshut.Force3 for charges interacting with constant
// k. The vector v handed to the function points from p1 to p2, so the force
// on p1 points along -v for like charges.
func Coulomb3(k float64) barneshut.Force3 {
	return func(_, _ barneshut.Particle3, q1, q2 float64, v r3.Vec) r3.Vec {
		d2 := r3.Norm2(v)
		if d2 == 0 {
			return r3.Vec{}
		}
		return r3.Scale(-k*q1*q2/(d2*math.Sqrt(d2)), v)
	}
}

// Exact computes the O(N²) pairwise force on every particle. It walks the
// particle slice of an unbuilt barneshut.Volume, which never builds a tree.
func Exact(ctx context.Context, particles []Particle, k float64) ([]vecmath.Vector3, error) {
	vol := barneshut.Volume{Particles: make([]barneshut.Particle3, len(particles))}
	for i, p := range particles {
		vol.Particles[i] = volumeParticle{p: p}
	}

	force := Coulomb3(k)
	forces := make([]vecmath.Vector3, len(particles))
	for i := range vol.Particles {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		forces[i] = vecmath.FromR3(vol.ForceOn(vol.Particles[i], 0, force))
	}
	return forces, nil
}
