package config

import (
	"math"
	"os"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	SOURCE_SYNTHETIC = "synthetic"
	SOURCE_NUMPY     = "numpy"

	ATTACK_NONE           = "none"
	ATTACK_LABEL_FLIP     = "label_flip"
	ATTACK_FLIP_ALL       = "flip_all"
	ATTACK_MODEL_DIRECT   = "model_direct"
	ATTACK_MODEL_BUDGETED = "model_budgeted"

	MEMORY_STORE = ":memory:"
)

type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Model       ModelConfig       `yaml:"model"`
	Data        DataConfig        `yaml:"data"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Attack      AttackConfig      `yaml:"attack"`
	Storage     StorageConfig     `yaml:"storage"`
	Feed        FeedConfig        `yaml:"feed"`
	Log         LogConfig         `yaml:"log"`
}

type SessionConfig struct {
	Seed          int64   `yaml:"seed"`
	Clients       int     `yaml:"clients"`
	Rounds        int     `yaml:"rounds"`
	Workers       int     `yaml:"workers"`
	Participation float64 `yaml:"participation"`
}

type ModelConfig struct {
	Architecture string  `yaml:"architecture"`
	Hidden       int     `yaml:"hidden"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	LocalEpochs  int     `yaml:"local_epochs"`
	BatchSize    int     `yaml:"batch_size"`
}

type DataConfig struct {
	Source       string  `yaml:"source"`
	Features     int     `yaml:"features"`
	Classes      int     `yaml:"classes"`
	Spread       float64 `yaml:"spread"`
	TrainSamples int     `yaml:"train_samples"`
	TestSamples  int     `yaml:"test_samples"`
	RootSamples  int     `yaml:"root_samples"`

	TrainFeatures string `yaml:"train_features"`
	TrainLabels   string `yaml:"train_labels"`
	TestFeatures  string `yaml:"test_features"`
	TestLabels    string `yaml:"test_labels"`
}

type AggregationConfig struct {
	Rule                aggregation.Rule `yaml:"rule"`
	TrimFraction        float64          `yaml:"trim_fraction"`
	SimilarityThreshold float64          `yaml:"similarity_threshold"`
	NormalizeMagnitude  bool             `yaml:"normalize_magnitude"`
}

// AttackConfig describes the adversaries. The first Attackers clients are
// compromised.
type AttackConfig struct {
	Kind      string  `yaml:"kind"`
	Attackers int     `yaml:"attackers"`
	Source    int     `yaml:"source"`
	Target    int     `yaml:"target"`
	Fraction  float64 `yaml:"fraction"`
	Count     int     `yaml:"count"`

	PoisonFraction float64 `yaml:"poison_fraction"`
	CosineFloor    float64 `yaml:"cosine_floor"`
}

type StorageConfig struct {
	LevelDB string `yaml:"leveldb"`
	Redis   string `yaml:"redis"`
	IPFS    string `yaml:"ipfs"`
}

type FeedConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Seed:          1,
			Clients:       10,
			Rounds:        5,
			Workers:       4,
			Participation: 1,
		},
		Model: ModelConfig{
			Architecture: "mlp",
			Hidden:       32,
			Optimizer:    "adam",
			LearningRate: 1e-2,
			WeightDecay:  1e-5,
			LocalEpochs:  2,
			BatchSize:    32,
		},
		Data: DataConfig{
			Source:       SOURCE_SYNTHETIC,
			Features:     10,
			Classes:      10,
			Spread:       1,
			TrainSamples: 2000,
			TestSamples:  500,
			RootSamples:  100,
		},
		Aggregation: AggregationConfig{
			Rule:                aggregation.FedAvg,
			TrimFraction:        0.1,
			SimilarityThreshold: 0.5,
		},
		Attack: AttackConfig{
			Kind:           ATTACK_NONE,
			Source:         3,
			Target:         7,
			Fraction:       1,
			PoisonFraction: 0.1,
			CosineFloor:    0.9,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Rule returns the configured rule, rejecting values outside the enum.
func (c *Config) Rule() (aggregation.Rule, error) {
	if _, err := c.Aggregation.Rule.MarshalText(); err != nil {
		return 0, err
	}
	return c.Aggregation.Rule, nil
}

// AggregationParams builds the rule parameter bag. Global is set per round.
func (c *Config) AggregationParams() aggregation.Params {
	return aggregation.Params{
		TrimFraction:        c.Aggregation.TrimFraction,
		SimilarityThreshold: c.Aggregation.SimilarityThreshold,
		NormalizeMagnitude:  c.Aggregation.NormalizeMagnitude,
	}
}

// FlipLabels is the label mapping audited at evaluation time.
func (c *Config) FlipLabels() map[int]int {
	switch c.Attack.Kind {
	case ATTACK_LABEL_FLIP:
		return map[int]int{c.Attack.Source: c.Attack.Target}
	case ATTACK_FLIP_ALL:
		flip := make(map[int]int, c.Data.Classes)
		for label := 0; label < c.Data.Classes; label++ {
			flip[label] = c.Data.Classes - 1 - label
		}
		return flip
	}
	return nil
}

func (c *Config) Validate() error {
	s := c.Session
	switch {
	case s.Clients < 1:
		return invalid("session.clients must be positive, got %d", s.Clients)
	case s.Rounds < 1:
		return invalid("session.rounds must be positive, got %d", s.Rounds)
	case s.Workers < 1:
		return invalid("session.workers must be positive, got %d", s.Workers)
	case !(s.Participation > 0 && s.Participation <= 1):
		return invalid("session.participation must be in (0, 1], got %v", s.Participation)
	}

	m := c.Model
	switch {
	case m.Architecture != "linear" && m.Architecture != "mlp":
		return invalid("model.architecture must be linear or mlp, got %q", m.Architecture)
	case m.Architecture == "mlp" && m.Hidden < 1:
		return invalid("model.hidden must be positive, got %d", m.Hidden)
	case m.Optimizer != "sgd" && m.Optimizer != "adam":
		return invalid("model.optimizer must be sgd or adam, got %q", m.Optimizer)
	case !(m.LearningRate > 0):
		return invalid("model.learning_rate must be positive, got %v", m.LearningRate)
	case m.WeightDecay < 0:
		return invalid("model.weight_decay must not be negative, got %v", m.WeightDecay)
	case m.LocalEpochs < 1:
		return invalid("model.local_epochs must be positive, got %d", m.LocalEpochs)
	case m.BatchSize < 1:
		return invalid("model.batch_size must be positive, got %d", m.BatchSize)
	}

	d := c.Data
	switch {
	case d.Classes < 2:
		return invalid("data.classes must be at least 2, got %d", d.Classes)
	case d.RootSamples < 0:
		return invalid("data.root_samples must not be negative, got %d", d.RootSamples)
	}
	switch d.Source {
	case SOURCE_SYNTHETIC:
		switch {
		case d.Features < 1:
			return invalid("data.features must be positive, got %d", d.Features)
		case d.Classes > 2*d.Features:
			return invalid("data.classes must be at most twice data.features for synthetic data")
		case d.TrainSamples < s.Clients:
			return invalid("data.train_samples %d cannot cover %d clients", d.TrainSamples, s.Clients)
		case d.TestSamples < 1:
			return invalid("data.test_samples must be positive, got %d", d.TestSamples)
		}
	case SOURCE_NUMPY:
		if d.TrainFeatures == "" || d.TrainLabels == "" || d.TestFeatures == "" || d.TestLabels == "" {
			return invalid("numpy data needs train and test feature and label paths")
		}
	default:
		return invalid("data.source must be %s or %s, got %q", SOURCE_SYNTHETIC, SOURCE_NUMPY, d.Source)
	}

	rule, err := c.Rule()
	if err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	a := c.Aggregation
	switch {
	case rule == aggregation.TMean && !(a.TrimFraction >= 0 && a.TrimFraction < 1):
		return invalid("aggregation.trim_fraction must be in [0, 1), got %v", a.TrimFraction)
	case rule == aggregation.FLTC && !(a.SimilarityThreshold >= -1 && a.SimilarityThreshold <= 1):
		return invalid("aggregation.similarity_threshold must be in [-1, 1], got %v", a.SimilarityThreshold)
	case rule == aggregation.FLTrust && d.RootSamples < 1:
		return invalid("FLTrust needs data.root_samples for the server model")
	}

	if err := c.validateAttack(); err != nil {
		return err
	}
	return c.Log.validate()
}

func (c *Config) validateAttack() error {
	at := c.Attack
	if at.Attackers < 0 || at.Attackers > c.Session.Clients {
		return invalid("attack.attackers must be in [0, %d], got %d", c.Session.Clients, at.Attackers)
	}
	switch at.Kind {
	case ATTACK_NONE, "":
	case ATTACK_LABEL_FLIP:
		switch {
		case at.Source < 0 || at.Source >= c.Data.Classes:
			return invalid("attack.source %d outside the label space", at.Source)
		case at.Target < 0 || at.Target >= c.Data.Classes:
			return invalid("attack.target %d outside the label space", at.Target)
		case at.Fraction != -1 && !(at.Fraction >= 0 && at.Fraction <= 1):
			return invalid("attack.fraction must be -1 or in [0, 1], got %v", at.Fraction)
		case at.Count < -1:
			return invalid("attack.count must be -1 or non-negative, got %d", at.Count)
		}
	case ATTACK_FLIP_ALL:
		switch {
		case c.Data.Classes != 10:
			return invalid("flip_all mirrors a ten-class label space, got %d classes", c.Data.Classes)
		case at.Count != -1 && at.Count < 1:
			return invalid("flip_all needs attack.count -1 or positive, got %d", at.Count)
		}
	case ATTACK_MODEL_DIRECT, ATTACK_MODEL_BUDGETED:
		switch {
		case !(at.PoisonFraction >= 0 && at.PoisonFraction <= 1):
			return invalid("attack.poison_fraction must be in [0, 1], got %v", at.PoisonFraction)
		case math.IsNaN(at.CosineFloor) || at.CosineFloor < -1 || at.CosineFloor > 1:
			return invalid("attack.cosine_floor must be in [-1, 1], got %v", at.CosineFloor)
		}
	default:
		return invalid("unknown attack.kind %q", at.Kind)
	}
	return nil
}

func (l LogConfig) validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if l.Format != "text" && l.Format != "json" {
		return invalid("log.format must be text or json, got %q", l.Format)
	}
	return nil
}

// Logger builds the process logger described by the log section.
func (l LogConfig) Logger() (*logrus.Logger, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	level, _ := logrus.ParseLevel(l.Level)
	logger := logrus.New()
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}
