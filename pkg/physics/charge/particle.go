package charge

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Particle represents an immutable point charge.
type Particle struct {
	Position vecmath.Vector3
	Charge   float64
}

// New creates a particle at (x, y, z) carrying charge q.
func New(x, y, z, q float64) Particle {
	return Particle{
		Position: vecmath.New(x, y, z),
		Charge:   q,
	}
}

// TotalCharge returns the sum of all charges.
func TotalCharge(particles []Particle) float64 {
	total := 0.0
	for _, p := range particles {
		total += p.Charge
	}
	return total
}

// volumeParticle adapts a Particle to gonum's barneshut.Particle3, with the
// charge standing in for the mass.
type volumeParticle struct {
	p Particle
}

func (v volumeParticle) Coord3() r3.Vec { return v.p.Position.R3() }
func (v volumeParticle) Mass() float64  { return v.p.Charge }
