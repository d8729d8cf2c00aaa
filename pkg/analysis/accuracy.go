package analysis

import (
	"math"
	"sort"

	sdkerrors "cosmossdk.io/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Codespace is the error codespace for analysis errors.
const Codespace = "analysis"

// ErrLengthMismatch is returned when the two force sets differ in length.
var ErrLengthMismatch = sdkerrors.Register(Codespace, 2, "force sets differ in length")

// CompareForces measures how far approx strays from exact. The relative
// error of a particle whose exact force vanishes is its absolute error.
func CompareForces(approx, exact []vecmath.Vector3, theta float64) (types.AccuracyReport, error) {
	if len(approx) != len(exact) {
		return types.AccuracyReport{}, sdkerrors.Wrapf(ErrLengthMismatch, "%d approximate, %d exact", len(approx), len(exact))
	}

	report := types.AccuracyReport{Particles: len(approx), Theta: theta}
	if len(approx) == 0 {
		return report, nil
	}

	rel := make([]float64, len(approx))
	abs2 := make([]float64, len(approx))
	var net vecmath.Vector3
	scale := 0.0
	for i := range approx {
		diff := approx[i].Sub(exact[i]).Magnitude()
		abs2[i] = diff * diff
		if m := exact[i].Magnitude(); m > 0 {
			rel[i] = diff / m
		} else {
			rel[i] = diff
		}
		net = net.Add(approx[i])
		scale += approx[i].Magnitude()
	}

	report.MeanRelError = stat.Mean(rel, nil)
	if len(rel) > 1 {
		report.StdDevRelError = stat.StdDev(rel, nil)
	}
	report.MaxRelError = floats.Max(rel)
	report.RMSAbsError = math.Sqrt(stat.Mean(abs2, nil))

	sorted := append([]float64(nil), rel...)
	sort.Float64s(sorted)
	report.MedianRelError = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	report.NetForce = types.FromVector(net)
	if scale > 0 {
		report.NetForceRelative = net.Magnitude() / scale
	}
	return report, nil
}
