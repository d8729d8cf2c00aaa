package utils

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/particleio"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

// Config represents the solver configuration
type Config struct {
	Domain DomainConfig `yaml:"domain" mapstructure:"domain"`
	Solver SolverConfig `yaml:"solver" mapstructure:"solver"`
	Input  InputConfig  `yaml:"input" mapstructure:"input"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// DomainConfig is the root cube. With Auto set the cube is fitted to the
// particles and Base/Length are ignored.
type DomainConfig struct {
	Auto    bool       `yaml:"auto" mapstructure:"auto"`
	Base    [3]float64 `yaml:"base" mapstructure:"base"`
	Length  float64    `yaml:"length" mapstructure:"length"`
	Padding float64    `yaml:"padding" mapstructure:"padding"`
}

// SolverConfig contains tree and evaluation settings
type SolverConfig struct {
	Theta           float64 `yaml:"theta" mapstructure:"theta"`
	CoulombConstant float64 `yaml:"coulomb_constant" mapstructure:"coulomb_constant"`
	OutOfBounds     string  `yaml:"out_of_bounds" mapstructure:"out_of_bounds"`
	MaxDepth        int     `yaml:"max_depth" mapstructure:"max_depth"`
	MergeCoincident bool    `yaml:"merge_coincident" mapstructure:"merge_coincident"`
	Workers         int     `yaml:"workers" mapstructure:"workers"`
}

// InputConfig controls particle file parsing
type InputConfig struct {
	DefaultCharge float64 `yaml:"default_charge" mapstructure:"default_charge"`
}

// OutputConfig controls result writing
type OutputConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// ServerConfig contains HTTP service settings
type ServerConfig struct {
	Port         int `yaml:"port" mapstructure:"port"`
	MaxJobs      int `yaml:"max_jobs" mapstructure:"max_jobs"`
	Workers      int `yaml:"workers" mapstructure:"workers"`
	MaxParticles int `yaml:"max_particles" mapstructure:"max_particles"`
	RetainedJobs int `yaml:"retained_jobs" mapstructure:"retained_jobs"`
}

// LogConfig selects log verbosity and encoding
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig returns a default configuration. The domain matches the
// [-10, 10)³ cube historically used for nanoparticle inputs.
func DefaultConfig() *Config {
	return &Config{
		Domain: DomainConfig{
			Base:    [3]float64{-10, -10, -10},
			Length:  20,
			Padding: 0.01,
		},
		Solver: SolverConfig{
			Theta:           1.0,
			CoulombConstant: charge.K,
			OutOfBounds:     string(octree.PolicyDrop),
			MaxDepth:        octree.DefaultMaxDepth,
			Workers:         4,
		},
		Input: InputConfig{
			DefaultCharge: 2.0,
		},
		Output: OutputConfig{
			Format: particleio.FormatXYZ,
			Path:   "data.xyz",
		},
		Server: ServerConfig{
			Port:         8080,
			MaxJobs:      10,
			Workers:      2,
			MaxParticles: 1_000_000,
			RetainedJobs: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers DefaultConfig with viper so unset keys and env
// overrides resolve.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("domain.auto", d.Domain.Auto)
	v.SetDefault("domain.base", d.Domain.Base[:])
	v.SetDefault("domain.length", d.Domain.Length)
	v.SetDefault("domain.padding", d.Domain.Padding)
	v.SetDefault("solver.theta", d.Solver.Theta)
	v.SetDefault("solver.coulomb_constant", d.Solver.CoulombConstant)
	v.SetDefault("solver.out_of_bounds", d.Solver.OutOfBounds)
	v.SetDefault("solver.max_depth", d.Solver.MaxDepth)
	v.SetDefault("solver.merge_coincident", d.Solver.MergeCoincident)
	v.SetDefault("solver.workers", d.Solver.Workers)
	v.SetDefault("input.default_charge", d.Input.DefaultCharge)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_jobs", d.Server.MaxJobs)
	v.SetDefault("server.workers", d.Server.Workers)
	v.SetDefault("server.max_particles", d.Server.MaxParticles)
	v.SetDefault("server.retained_jobs", d.Server.RetainedJobs)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// ConfigDir returns $HOME/.coulombtree.
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".coulombtree")
}

// LoadConfig reads configuration through v. A missing config file is not an
// error; defaults and environment variables still apply.
func LoadConfig(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("COULOMBTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// SaveConfig writes config as YAML to path, creating parent directories.
func SaveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if !config.Domain.Auto {
		if !(config.Domain.Length > 0) || math.IsInf(config.Domain.Length, 0) {
			return fmt.Errorf("domain length must be positive and finite, got %v", config.Domain.Length)
		}
	}
	if config.Domain.Padding < 0 {
		return fmt.Errorf("domain padding cannot be negative")
	}

	if math.IsNaN(config.Solver.Theta) || config.Solver.Theta < 0 {
		return fmt.Errorf("theta must be non-negative, got %v", config.Solver.Theta)
	}
	if config.Solver.CoulombConstant == 0 {
		return fmt.Errorf("coulomb constant cannot be zero")
	}
	if _, err := octree.ParsePolicy(config.Solver.OutOfBounds); err != nil {
		return err
	}
	if config.Solver.MaxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1")
	}
	if config.Solver.Workers < 1 {
		return fmt.Errorf("solver workers must be at least 1")
	}

	if err := particleio.ValidateFormat(config.Output.Format); err != nil {
		return err
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", config.Server.Port)
	}
	if config.Server.MaxJobs < 1 || config.Server.Workers < 1 {
		return fmt.Errorf("server max_jobs and workers must be positive")
	}

	switch strings.ToLower(config.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", config.Log.Format)
	}

	return nil
}

// DomainBase returns the configured root cube corner.
func (c *Config) DomainBase() vecmath.Vector3 {
	return vecmath.New(c.Domain.Base[0], c.Domain.Base[1], c.Domain.Base[2])
}

// TreeOptions converts the solver section into octree options.
func (c *Config) TreeOptions() octree.Options {
	policy, _ := octree.ParsePolicy(c.Solver.OutOfBounds)
	return octree.Options{
		OutOfBounds:     policy,
		MaxDepth:        c.Solver.MaxDepth,
		MergeCoincident: c.Solver.MergeCoincident,
		Constant:        c.Solver.CoulombConstant,
		Workers:         c.Solver.Workers,
	}
}
