package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/compute"
	"github.com/oxygene76/coulombtree/pkg/distribution"
	"github.com/oxygene76/coulombtree/pkg/particleio"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
	"github.com/oxygene76/coulombtree/pkg/service"
	"github.com/oxygene76/coulombtree/pkg/solver"
)

var forcesCmd = &cobra.Command{
	Use:   "forces [input]",
	Short: "Compute the net force on every particle",
	Long: `Read particles, build the octree and write the net Coulomb force on each
particle. Output formats are xyz (x y z |F| per line), csv and jsonl.

Example:
  coulombtree forces nanoparticle.txt --theta 0.5 --output forces.xyz`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applySolverFlags(cmd, config); err != nil {
			return err
		}
		ps, err := loadParticles(cmd, args)
		if err != nil {
			return err
		}

		s := solver.New(config, logger)
		if cmd.Flags().Changed("theta") {
			s.Theta, _ = cmd.Flags().GetFloat64("theta")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := s.Run(ctx, ps)
		if err != nil {
			return err
		}

		format := config.Output.Format
		if cmd.Flags().Changed("format") {
			format, _ = cmd.Flags().GetString("format")
		}
		path := config.Output.Path
		if cmd.Flags().Changed("output") {
			path, _ = cmd.Flags().GetString("output")
		}

		sink, err := particleio.CreateSink(format, path)
		if err != nil {
			return err
		}
		if err := particleio.WriteAll(sink, ps, res.Forces); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}

		logger.Info().
			Int("particles", len(ps)).
			Int("dropped", res.Stats.Dropped).
			Float64("theta", s.Theta).
			Str("output", path).
			Dur("construction", res.Timings.Construction).
			Dur("aggregation", res.Timings.Aggregation).
			Dur("evaluation", res.Timings.Evaluation).
			Msg("forces written")
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a synthetic particle distribution",
	Long: `Generate a reproducible particle cloud and write it as x y z q lines.

Kinds:
  cube        uniform in a cube of edge --size
  sphere      uniform in a ball of radius --size
  halfsphere  upper half of a spherical shell of radius --size
  lattice     simple cubic lattice with spacing --size
  ionlattice  lattice with alternating +q/-q (neutral)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		n, _ := cmd.Flags().GetInt("n")
		seed, _ := cmd.Flags().GetInt64("seed")
		size, _ := cmd.Flags().GetFloat64("size")
		q, _ := cmd.Flags().GetFloat64("charge")
		center, _ := cmd.Flags().GetFloat64Slice("center")
		output, _ := cmd.Flags().GetString("output")

		if len(center) != 3 {
			return fmt.Errorf("center needs three coordinates, got %d", len(center))
		}

		ps, err := distribution.Generate(distribution.Params{
			Kind:   distribution.Kind(kind),
			N:      n,
			Seed:   seed,
			Center: vecmath.New(center[0], center[1], center[2]),
			Size:   size,
			Charge: q,
		})
		if err != nil {
			return err
		}

		w := os.Stdout
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := particleio.WriteParticles(w, ps); err != nil {
			return err
		}

		logger.Info().
			Str("kind", kind).
			Int("particles", len(ps)).
			Float64("total_charge", charge.TotalCharge(ps)).
			Msg("distribution generated")
		return nil
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare [input]",
	Short: "Compare octree forces with the exact pairwise sum",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applySolverFlags(cmd, config); err != nil {
			return err
		}
		ps, err := loadParticles(cmd, args)
		if err != nil {
			return err
		}

		s := solver.New(config, logger)
		theta := s.Theta
		if cmd.Flags().Changed("theta") {
			theta, _ = cmd.Flags().GetFloat64("theta")
		}

		res, report, err := s.Compare(cmd.Context(), ps, theta)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(map[string]interface{}{
				"accuracy": report,
				"stats":    res.Stats,
				"timings":  res.Timings,
			})
		}

		fmt.Printf("Accuracy at theta = %g (%d particles)\n", theta, report.Particles)
		fmt.Println("==========================================")
		fmt.Printf("Mean relative error:   %.3e\n", report.MeanRelError)
		fmt.Printf("Median relative error: %.3e\n", report.MedianRelError)
		fmt.Printf("Std dev:               %.3e\n", report.StdDevRelError)
		fmt.Printf("Max relative error:    %.3e\n", report.MaxRelError)
		fmt.Printf("RMS absolute error:    %.3e\n", report.RMSAbsError)
		fmt.Printf("Net force / Σ|F|:      %.3e\n", report.NetForceRelative)
		fmt.Printf("Tree: %d nodes, depth %d, %d dropped\n", res.Stats.Nodes, res.Stats.MaxDepth, res.Stats.Dropped)
		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench [input]",
	Short: "Time the solver over a range of theta values",
	Long: `Run construction, aggregation and evaluation once per theta and report the
timings, the speedup over the exact pairwise sum and the relative error.
Without an input file a uniform cube of --n particles is generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applySolverFlags(cmd, config); err != nil {
			return err
		}

		var ps []charge.Particle
		input, _ := cmd.Flags().GetString("input")
		if len(args) > 0 || input != "" {
			var err error
			if ps, err = loadParticles(cmd, args); err != nil {
				return err
			}
		} else {
			n, _ := cmd.Flags().GetInt("n")
			seed, _ := cmd.Flags().GetInt64("seed")
			size := 0.9 * config.Domain.Length
			center := config.DomainBase().Add(vecmath.New(1, 1, 1).Scale(config.Domain.Length / 2))
			var err error
			ps, err = distribution.Generate(distribution.Params{
				Kind:   distribution.KindCube,
				N:      n,
				Seed:   seed,
				Center: center,
				Size:   size,
				Charge: config.Input.DefaultCharge,
			})
			if err != nil {
				return err
			}
		}

		thetas, _ := cmd.Flags().GetFloat64Slice("thetas")
		rows, err := solver.New(config, logger).Bench(cmd.Context(), ps, thetas)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(rows)
		}
		printBench(len(ps), rows)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP service for synchronous force evaluation and queued jobs.

Endpoints:
  POST /api/v1/forces            - Evaluate forces
  POST /api/v1/compare           - Accuracy against the exact sum
  POST /api/v1/jobs              - Queue a forces or bench job
  GET  /api/v1/jobs              - List jobs
  GET  /api/v1/jobs/{id}         - Get job details
  POST /api/v1/jobs/{id}/cancel  - Cancel job
  GET  /api/v1/status            - Service status
  GET  /api/v1/queue             - Queue status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := config.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("workers") {
			config.Server.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("max-jobs") {
			config.Server.MaxJobs, _ = cmd.Flags().GetInt("max-jobs")
		}

		s := solver.New(config, logger)
		jobs := compute.NewJobManager(s, config.Server.MaxJobs, config.Server.Workers, config.Server.RetainedJobs, logger)
		srv := service.NewServer(config, s, jobs, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info().
			Int("port", port).
			Int("workers", config.Server.Workers).
			Int("max_jobs", config.Server.MaxJobs).
			Msg("starting coulombtree service")

		serveErr := srv.Start(ctx, port)
		if err := jobs.Shutdown(30 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("job manager shutdown")
		}
		return serveErr
	},
}

func init() {
	forcesCmd.Flags().Float64("theta", 0, "Opening angle (default from config)")
	forcesCmd.Flags().StringP("output", "o", "", "Output file, - for stdout (default from config)")
	forcesCmd.Flags().String("format", "", "Output format (xyz|csv|jsonl)")

	generateCmd.Flags().String("kind", string(distribution.KindHalfSphere), "Distribution kind")
	generateCmd.Flags().Int("n", 1000, "Number of particles")
	generateCmd.Flags().Int64("seed", 1, "Random seed")
	generateCmd.Flags().Float64("size", 8, "Edge, radius or spacing depending on kind")
	generateCmd.Flags().Float64("charge", 2.0, "Particle charge")
	generateCmd.Flags().Float64Slice("center", []float64{0, 0, 0}, "Center x,y,z")
	generateCmd.Flags().StringP("output", "o", "-", "Output file, - for stdout")

	compareCmd.Flags().Float64("theta", 0, "Opening angle (default from config)")
	compareCmd.Flags().Bool("json", false, "Print the report as JSON")

	benchCmd.Flags().Float64Slice("thetas", []float64{2, 1, 0.5, 0.25, 0}, "Theta values to sweep")
	benchCmd.Flags().Int("n", 2000, "Particles to generate when no input is given")
	benchCmd.Flags().Int64("seed", 1, "Random seed for generated particles")
	benchCmd.Flags().Bool("json", false, "Print results as JSON")

	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Int("workers", 0, "Job worker count (default from config)")
	serveCmd.Flags().Int("max-jobs", 0, "Maximum queued and running jobs (default from config)")
}

// loadParticles reads the particle file named by the first argument or
// --input. "-" reads standard input.
func loadParticles(cmd *cobra.Command, args []string) ([]charge.Particle, error) {
	path, _ := cmd.Flags().GetString("input")
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("no input file given")
	}

	var (
		ps  []charge.Particle
		err error
	)
	if path == "-" {
		ps, err = particleio.ReadParticles(os.Stdin, config.Input.DefaultCharge)
	} else {
		ps, err = particleio.ReadFile(path, config.Input.DefaultCharge)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read particles: %w", err)
	}

	logger.Debug().Str("input", path).Int("particles", len(ps)).Msg("particles loaded")
	return ps, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBench(n int, rows []types.BenchResult) {
	fmt.Printf("Barnes-Hut benchmark (%d particles)\n", n)
	fmt.Println("================================================================================")
	fmt.Printf("%8s %12s %12s %12s %12s %10s %12s\n",
		"theta", "build", "aggregate", "evaluate", "total", "speedup", "mean rel")
	for _, r := range rows {
		fmt.Printf("%8.3g %12s %12s %12s %12s %9.1fx %12.3e\n",
			r.Theta,
			r.Timings.Construction.Round(time.Microsecond),
			r.Timings.Aggregation.Round(time.Microsecond),
			r.Timings.Evaluation.Round(time.Microsecond),
			r.Timings.Total.Round(time.Microsecond),
			r.Speedup,
			r.Accuracy.MeanRelError)
	}
}
