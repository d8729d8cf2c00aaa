package octree

import (
	sdkerrors "cosmossdk.io/errors"
)

// Codespace is the error codespace for octree errors.
const Codespace = "octree"

var (
	// ErrOutOfBounds is returned by Insert under PolicyReject when a particle
	// lies outside the root cube.
	ErrOutOfBounds = sdkerrors.Register(Codespace, 2, "particle outside root cell")
	// ErrMaxDepth is returned when separating two particles would subdivide
	// past Options.MaxDepth (coincident or nearly coincident positions).
	ErrMaxDepth = sdkerrors.Register(Codespace, 3, "maximum subdivision depth exceeded")
	// ErrSealed is returned when a Builder is mutated after Build.
	ErrSealed = sdkerrors.Register(Codespace, 4, "tree already built")
	// ErrInvalidDomain is returned for a root cube that cannot hold particles.
	ErrInvalidDomain = sdkerrors.Register(Codespace, 5, "invalid root domain")
	// ErrInvalidTheta is returned for a negative or NaN opening angle.
	ErrInvalidTheta = sdkerrors.Register(Codespace, 6, "invalid accuracy parameter")
	// ErrUnknownPolicy is returned when parsing an unrecognised policy name.
	ErrUnknownPolicy = sdkerrors.Register(Codespace, 7, "unknown out-of-bounds policy")
)
