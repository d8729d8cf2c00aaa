package types

import (
	"time"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Vec is the wire form of a 3D vector.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FromVector converts a vecmath vector.
func FromVector(v vecmath.Vector3) Vec {
	return Vec{X: v.X, Y: v.Y, Z: v.Z}
}

// Vector converts back to vecmath.
func (v Vec) Vector() vecmath.Vector3 {
	return vecmath.New(v.X, v.Y, v.Z)
}

// ParticleInput is the wire form of a point charge.
type ParticleInput struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Z      float64  `json:"z"`
	Charge *float64 `json:"charge,omitempty"`
}

// Particle converts the input, using defaultCharge when none was given.
func (p ParticleInput) Particle(defaultCharge float64) charge.Particle {
	q := defaultCharge
	if p.Charge != nil {
		q = *p.Charge
	}
	return charge.New(p.X, p.Y, p.Z, q)
}

// ForceRecord is the net force on one particle.
type ForceRecord struct {
	Position  Vec     `json:"position"`
	Charge    float64 `json:"charge"`
	Force     Vec     `json:"force"`
	Magnitude float64 `json:"magnitude"`
}

// NewForceRecord builds a record from a particle and its force.
func NewForceRecord(p charge.Particle, force vecmath.Vector3) ForceRecord {
	return ForceRecord{
		Position:  FromVector(p.Position),
		Charge:    p.Charge,
		Force:     FromVector(force),
		Magnitude: force.Magnitude(),
	}
}

// Timings records how long each phase of a solve took.
type Timings struct {
	Construction time.Duration `json:"construction"`
	Aggregation  time.Duration `json:"aggregation"`
	Evaluation   time.Duration `json:"evaluation"`
	Total        time.Duration `json:"total"`
}

// Domain is the root cube a solve used.
type Domain struct {
	Base   Vec     `json:"base"`
	Length float64 `json:"length"`
}

// AccuracyReport compares approximate forces against the exact pairwise sum.
type AccuracyReport struct {
	Particles        int     `json:"particles"`
	Theta            float64 `json:"theta"`
	MeanRelError     float64 `json:"mean_rel_error"`
	StdDevRelError   float64 `json:"stddev_rel_error"`
	MedianRelError   float64 `json:"median_rel_error"`
	MaxRelError      float64 `json:"max_rel_error"`
	RMSAbsError      float64 `json:"rms_abs_error"`
	NetForce         Vec     `json:"net_force"`
	NetForceRelative float64 `json:"net_force_relative"`
}

// BenchResult is one row of a theta sweep.
type BenchResult struct {
	Theta    float64        `json:"theta"`
	Timings  Timings        `json:"timings"`
	Accuracy AccuracyReport `json:"accuracy"`
	Speedup  float64        `json:"speedup"`
}
