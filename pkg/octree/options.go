package octree

import (
	"strings"

	"github.com/rs/zerolog"

	sdkerrors "cosmossdk.io/errors"

	"github.com/oxygene76/coulombtree/pkg/physics/charge"
)

// OutOfBoundsPolicy decides what Insert does with a particle that lies
// outside the root cube.
type OutOfBoundsPolicy string

const (
	// PolicyDrop silently discards the particle. It is not counted in the
	// tree, but Builder.Dropped reports how many were discarded.
	PolicyDrop OutOfBoundsPolicy = "drop"
	// PolicyReject makes Insert return ErrOutOfBounds.
	PolicyReject OutOfBoundsPolicy = "reject"
	// PolicyGrow doubles the root cube toward the particle until it fits.
	PolicyGrow OutOfBoundsPolicy = "grow"
)

// ParsePolicy converts a configuration string into a policy.
func ParsePolicy(s string) (OutOfBoundsPolicy, error) {
	switch p := OutOfBoundsPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDrop, PolicyReject, PolicyGrow:
		return p, nil
	case "":
		return PolicyDrop, nil
	default:
		return "", sdkerrors.Wrapf(ErrUnknownPolicy, "%q", s)
	}
}

// DefaultMaxDepth bounds subdivision. A cube of edge 20 halved 64 times is
// far below float64 resolution around typical coordinates.
const DefaultMaxDepth = 64

// Options configures tree construction and evaluation.
type Options struct {
	OutOfBounds OutOfBoundsPolicy
	MaxDepth    int
	// MergeCoincident stacks a particle at exactly the position of an
	// existing leaf particle into that leaf instead of failing with
	// ErrMaxDepth. Stacked particles exert no force on each other.
	MergeCoincident bool
	// Constant is the coupling constant K in F = K·q1·q2/r².
	Constant float64
	// Workers bounds parallel aggregation and evaluation; values below 2
	// run sequentially.
	Workers int
	Logger  *zerolog.Logger
}

// DefaultOptions returns the historical behaviour: drop out-of-bounds
// particles, Coulomb constant charge.K, sequential execution.
func DefaultOptions() Options {
	return Options{
		OutOfBounds: PolicyDrop,
		MaxDepth:    DefaultMaxDepth,
		Constant:    charge.K,
		Workers:     1,
	}
}

func (o Options) withDefaults() Options {
	if o.OutOfBounds == "" {
		o.OutOfBounds = PolicyDrop
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Constant == 0 {
		o.Constant = charge.K
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}
