package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/utils"
)

const (
	appName = "coulombtree"
	version = "v0.3.0"
)

var (
	// Configuration
	cfgFile string
	verbose bool

	config *utils.Config
	logger zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Barnes-Hut octree solver for electrostatic forces",
	Long: `coulombtree computes the net Coulomb force on every charged particle of a
cloud using a Barnes-Hut octree. Distant groups of charges are replaced by a
single charge at their center of charge, which turns the O(N²) pairwise sum
into roughly O(N log N).

The accuracy parameter theta trades speed for precision: a cell is treated
as one charge when its edge length divided by its distance is below theta,
so theta = 0 reproduces the exact pairwise sum.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := utils.LoadConfig(viper.GetViper())
		if err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		config = cfg

		level := config.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = utils.NewLogger(os.Stderr, level, config.Log.Format)
		return err
	},
}

// initCmd writes the default configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to $HOME/.coulombtree/config.yaml, or to
the file named by --config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = filepath.Join(utils.ConfigDir(), "config.yaml")
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}

		if err := utils.SaveConfig(utils.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initViper)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.coulombtree/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(forcesCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(serveCmd)

	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	for _, cmd := range []*cobra.Command{forcesCmd, compareCmd, benchCmd} {
		addSolverFlags(cmd)
	}
}

func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// addSolverFlags registers the flags that override the solver and domain
// sections of the config.
func addSolverFlags(cmd *cobra.Command) {
	cmd.Flags().String("input", "", "Particle file (x y z [q] per line, - for stdin)")
	cmd.Flags().Float64("charge", 0, "Charge for particles without one (default from config)")
	cmd.Flags().Bool("auto-domain", false, "Fit the root cube to the particles")
	cmd.Flags().Float64("length", 0, "Root cube edge length")
	cmd.Flags().Float64Slice("base", nil, "Root cube minimum corner x,y,z")
	cmd.Flags().String("policy", "", "Out-of-bounds policy (drop|reject|grow)")
	cmd.Flags().Bool("merge-coincident", false, "Stack particles at identical positions instead of failing")
	cmd.Flags().Int("workers", 0, "Parallel workers")
	cmd.Flags().Float64("k", 0, "Coulomb constant")
}

// applySolverFlags copies explicitly set flags into the loaded config.
func applySolverFlags(cmd *cobra.Command, cfg *utils.Config) error {
	flags := cmd.Flags()
	if flags.Changed("charge") {
		cfg.Input.DefaultCharge, _ = flags.GetFloat64("charge")
	}
	if flags.Changed("auto-domain") {
		cfg.Domain.Auto, _ = flags.GetBool("auto-domain")
	}
	if flags.Changed("length") {
		cfg.Domain.Length, _ = flags.GetFloat64("length")
		if !(cfg.Domain.Length > 0) {
			return fmt.Errorf("length must be positive")
		}
	}
	if flags.Changed("base") {
		base, _ := flags.GetFloat64Slice("base")
		if len(base) != 3 {
			return fmt.Errorf("base needs three coordinates, got %d", len(base))
		}
		copy(cfg.Domain.Base[:], base)
	}
	if flags.Changed("policy") {
		policy, _ := flags.GetString("policy")
		if _, err := octree.ParsePolicy(policy); err != nil {
			return err
		}
		cfg.Solver.OutOfBounds = policy
	}
	if flags.Changed("merge-coincident") {
		cfg.Solver.MergeCoincident, _ = flags.GetBool("merge-coincident")
	}
	if flags.Changed("workers") {
		cfg.Solver.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("k") {
		cfg.Solver.CoulombConstant, _ = flags.GetFloat64("k")
		if cfg.Solver.CoulombConstant == 0 {
			cfg.Solver.CoulombConstant = charge.K
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
