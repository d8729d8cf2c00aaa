package solver

import (
	"context"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/analysis"
	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
	"github.com/oxygene76/coulombtree/pkg/utils"
)

// Solver runs the build, aggregate and evaluate pipeline for one
// configuration. It holds no per-run state and may be shared.
type Solver struct {
	Theta   float64
	Auto    bool
	Base    vecmath.Vector3
	Length  float64
	Padding float64
	Options octree.Options

	log zerolog.Logger
}

// Result is the outcome of one solve.
type Result struct {
	Forces  []vecmath.Vector3
	Domain  types.Domain
	Stats   octree.Stats
	Timings types.Timings
}

// New creates a solver from the loaded configuration.
func New(cfg *utils.Config, log zerolog.Logger) *Solver {
	opts := cfg.TreeOptions()
	opts.Logger = &log
	return &Solver{
		Theta:   cfg.Solver.Theta,
		Auto:    cfg.Domain.Auto,
		Base:    cfg.DomainBase(),
		Length:  cfg.Domain.Length,
		Padding: cfg.Domain.Padding,
		Options: opts,
		log:     log,
	}
}

// Domain returns the root cube used for particles: the configured one, or
// the padded bounding cube when Auto is set.
func (s *Solver) Domain(particles []charge.Particle) (vecmath.Vector3, float64, error) {
	if !s.Auto {
		return s.Base, s.Length, nil
	}
	return octree.BoundingCube(particles, s.Padding)
}

// Run evaluates the force on every particle with the solver's theta.
func (s *Solver) Run(ctx context.Context, particles []charge.Particle) (*Result, error) {
	return s.RunTheta(ctx, particles, s.Theta)
}

// RunTheta is Run with an explicit opening angle.
func (s *Solver) RunTheta(ctx context.Context, particles []charge.Particle, theta float64) (*Result, error) {
	start := time.Now()

	base, length, err := s.Domain(particles)
	if err != nil {
		return nil, sdkerrors.Wrap(err, "domain")
	}

	b, err := octree.NewBuilder(base, length, s.Options)
	if err != nil {
		return nil, err
	}
	if err := b.InsertAll(particles); err != nil {
		s.log.Warn().Err(err).Int("particles", len(particles)).Msg("tree construction failed")
		return nil, err
	}
	built := time.Now()

	// Build aggregates before sealing.
	tree, err := b.Build()
	if err != nil {
		return nil, err
	}
	aggregated := time.Now()

	forces, err := tree.Forces(ctx, particles, theta)
	if err != nil {
		return nil, err
	}
	done := time.Now()

	root := tree.Root()
	res := &Result{
		Forces: forces,
		Domain: types.Domain{Base: types.FromVector(root.Base()), Length: root.Length()},
		Stats:  tree.Stats(),
		Timings: types.Timings{
			Construction: built.Sub(start),
			Aggregation:  aggregated.Sub(built),
			Evaluation:   done.Sub(aggregated),
			Total:        done.Sub(start),
		},
	}

	if res.Stats.Dropped > 0 {
		s.log.Warn().
			Int("dropped", res.Stats.Dropped).
			Float64("length", root.Length()).
			Msg("particles outside the domain were dropped")
	}
	s.log.Debug().
		Int("particles", len(particles)).
		Float64("theta", theta).
		Int("nodes", res.Stats.Nodes).
		Dur("total", res.Timings.Total).
		Msg("forces evaluated")
	return res, nil
}

// Compare solves with theta and measures the result against the exact
// pairwise sum.
func (s *Solver) Compare(ctx context.Context, particles []charge.Particle, theta float64) (*Result, types.AccuracyReport, error) {
	res, err := s.RunTheta(ctx, particles, theta)
	if err != nil {
		return nil, types.AccuracyReport{}, err
	}
	exact, err := charge.Exact(ctx, s.kept(particles, res), s.constant())
	if err != nil {
		return nil, types.AccuracyReport{}, err
	}
	report, err := analysis.CompareForces(s.keptForces(particles, res), exact, theta)
	if err != nil {
		return nil, types.AccuracyReport{}, err
	}
	return res, report, nil
}

// Bench runs one solve per theta and reports timings and accuracy. The
// exact sum is computed once and its duration is the speedup baseline.
func (s *Solver) Bench(ctx context.Context, particles []charge.Particle, thetas []float64) ([]types.BenchResult, error) {
	base, length, err := s.Domain(particles)
	if err != nil {
		return nil, sdkerrors.Wrap(err, "domain")
	}
	inside := s.inDomain(particles, base, length)

	start := time.Now()
	exact, err := charge.Exact(ctx, inside, s.constant())
	if err != nil {
		return nil, err
	}
	exactTime := time.Since(start)
	s.log.Info().Int("particles", len(inside)).Dur("elapsed", exactTime).Msg("exact sum computed")

	results := make([]types.BenchResult, 0, len(thetas))
	for _, theta := range thetas {
		res, err := s.RunTheta(ctx, inside, theta)
		if err != nil {
			return nil, sdkerrors.Wrapf(err, "theta %v", theta)
		}
		report, err := analysis.CompareForces(res.Forces, exact, theta)
		if err != nil {
			return nil, err
		}

		row := types.BenchResult{Theta: theta, Timings: res.Timings, Accuracy: report}
		if res.Timings.Total > 0 {
			row.Speedup = float64(exactTime) / float64(res.Timings.Total)
		}
		s.log.Info().
			Float64("theta", theta).
			Dur("total", res.Timings.Total).
			Float64("mean_rel_error", report.MeanRelError).
			Msg("bench step")
		results = append(results, row)
	}
	return results, nil
}

func (s *Solver) constant() float64 {
	if s.Options.Constant == 0 {
		return charge.K
	}
	return s.Options.Constant
}

// kept returns the particles the tree actually holds. Only PolicyDrop can
// leave some out, and then only those outside the final root cube.
func (s *Solver) kept(particles []charge.Particle, res *Result) []charge.Particle {
	if res.Stats.Dropped == 0 {
		return particles
	}
	return s.inDomain(particles, res.Domain.Base.Vector(), res.Domain.Length)
}

func (s *Solver) keptForces(particles []charge.Particle, res *Result) []vecmath.Vector3 {
	if res.Stats.Dropped == 0 {
		return res.Forces
	}
	base, length := res.Domain.Base.Vector(), res.Domain.Length
	out := make([]vecmath.Vector3, 0, len(particles)-res.Stats.Dropped)
	for i, p := range particles {
		if inCube(p.Position, base, length) {
			out = append(out, res.Forces[i])
		}
	}
	return out
}

func (s *Solver) inDomain(particles []charge.Particle, base vecmath.Vector3, length float64) []charge.Particle {
	if s.Options.OutOfBounds != octree.PolicyDrop && s.Options.OutOfBounds != "" {
		return particles
	}
	out := make([]charge.Particle, 0, len(particles))
	for _, p := range particles {
		if inCube(p.Position, base, length) {
			out = append(out, p)
		}
	}
	return out
}

func inCube(p, base vecmath.Vector3, length float64) bool {
	return p.X >= base.X && p.X < base.X+length &&
		p.Y >= base.Y && p.Y < base.Y+length &&
		p.Z >= base.Z && p.Z < base.Z+length
}
