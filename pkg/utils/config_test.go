package utils

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/physics/vecmath"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, validateConfig(DefaultConfig()))
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Domain.Base = [3]float64{-5, -4, -3}
	cfg.Domain.Length = 12
	cfg.Solver.Theta = 0.4
	cfg.Solver.OutOfBounds = "grow"
	cfg.Solver.MergeCoincident = true
	cfg.Output.Format = "csv"
	require.NoError(t, SaveConfig(cfg, path))

	v := viper.New()
	v.SetConfigFile(path)
	loaded, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, cfg, loaded)
	assert.Equal(t, vecmath.New(-5, -4, -3), loaded.DomainBase())

	opts := loaded.TreeOptions()
	assert.Equal(t, octree.PolicyGrow, opts.OutOfBounds)
	assert.True(t, opts.MergeCoincident)
	assert.Equal(t, charge.K, opts.Constant)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("COULOMBTREE_SOLVER_THETA", "0.25")
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Solver.Theta)
	assert.Equal(t, 20.0, cfg.Domain.Length)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"length":  func(c *Config) { c.Domain.Length = 0 },
		"theta":   func(c *Config) { c.Solver.Theta = -1 },
		"policy":  func(c *Config) { c.Solver.OutOfBounds = "wrap" },
		"format":  func(c *Config) { c.Output.Format = "pdb" },
		"port":    func(c *Config) { c.Server.Port = 0 },
		"workers": func(c *Config) { c.Solver.Workers = 0 },
		"log":     func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, validateConfig(cfg), name)
	}

	cfg := DefaultConfig()
	cfg.Domain.Auto = true
	cfg.Domain.Length = 0
	assert.NoError(t, validateConfig(cfg))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Int("n", 3).Msg("shown")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, 3.0, rec["n"])

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
}
