package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  seed: 42
  clients: 20
aggregation:
  rule: t_mean
  trim_fraction: 0.2
attack:
  kind: label_flip
  attackers: 4
  fraction: -1
log:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Session.Seed)
	assert.Equal(t, 20, cfg.Session.Clients)
	assert.Equal(t, 5, cfg.Session.Rounds, "defaults kept")
	assert.Equal(t, -1.0, cfg.Attack.Fraction)

	rule, err := cfg.Rule()
	require.NoError(t, err)
	assert.Equal(t, aggregation.TMean, rule)
	assert.Equal(t, 0.2, cfg.AggregationParams().TrimFraction)
	assert.Equal(t, map[int]int{3: 7}, cfg.FlipLabels())

	logger, err := cfg.Log.Logger()
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	for name, body := range map[string]string{
		"syntax":       "session: [1, 2",
		"unknown rule": "aggregation:\n  rule: krum\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"no clients":           func(c *Config) { c.Session.Clients = 0 },
		"participation":        func(c *Config) { c.Session.Participation = 1.5 },
		"architecture":         func(c *Config) { c.Model.Architecture = "resnet" },
		"learning rate":        func(c *Config) { c.Model.LearningRate = 0 },
		"unknown rule":         func(c *Config) { c.Aggregation.Rule = aggregation.Rule(42) },
		"trim everything":      func(c *Config) { c.Aggregation.Rule = aggregation.TMean; c.Aggregation.TrimFraction = 1 },
		"threshold":            func(c *Config) { c.Aggregation.Rule = aggregation.FLTC; c.Aggregation.SimilarityThreshold = 2 },
		"fltrust without root": func(c *Config) { c.Aggregation.Rule = aggregation.FLTrust; c.Data.RootSamples = 0 },
		"too many attackers":   func(c *Config) { c.Attack.Attackers = 11 },
		"flip fraction": func(c *Config) {
			c.Attack.Kind = ATTACK_LABEL_FLIP
			c.Attack.Fraction = -0.5
		},
		"flip target": func(c *Config) {
			c.Attack.Kind = ATTACK_LABEL_FLIP
			c.Attack.Target = 10
		},
		"flip all classes": func(c *Config) {
			c.Attack.Kind = ATTACK_FLIP_ALL
			c.Attack.Count = -1
			c.Data.Classes = 4
		},
		"flip all count zero": func(c *Config) {
			c.Attack.Kind = ATTACK_FLIP_ALL
			c.Attack.Count = 0
		},
		"cosine floor": func(c *Config) {
			c.Attack.Kind = ATTACK_MODEL_BUDGETED
			c.Attack.CosineFloor = -2
		},
		"attack kind":  func(c *Config) { c.Attack.Kind = "backdoor" },
		"numpy paths":  func(c *Config) { c.Data.Source = SOURCE_NUMPY },
		"log level":    func(c *Config) { c.Log.Level = "loud" },
		"log format":   func(c *Config) { c.Log.Format = "xml" },
		"data classes": func(c *Config) { c.Data.Classes = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}
}

func TestFlipAllMapping(t *testing.T) {
	cfg := Default()
	cfg.Attack.Kind = ATTACK_FLIP_ALL
	cfg.Attack.Count = -1
	require.NoError(t, cfg.Validate())
	flip := cfg.FlipLabels()
	assert.Len(t, flip, 10)
	assert.Equal(t, 9, flip[0])
	assert.Equal(t, 4, flip[5])
}
