package session

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/Lekssays/flpoison/committee"
	"github.com/Lekssays/flpoison/config"
	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/nn"
	"github.com/Lekssays/flpoison/poison"
	"github.com/Lekssays/flpoison/wire"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type RoundSink interface {
	SaveRound(sessionID string, record RoundRecord) error
}

type UpdateSink interface {
	SaveUpdate(ctx context.Context, record *wire.UpdateRecord) error
	// DiscardRound removes the updates of a round that was not committed.
	DiscardRound(ctx context.Context, sessionID string, round int) error
}

type Publisher interface {
	PublishModel(vector []float64) (string, error)
}

type Broadcaster interface {
	Broadcast(record RoundRecord) error
}

// Selector picks the participants of a round.
type Selector interface {
	Select(sessionID string, round int) ([]string, error)
}

// Deps are the optional collaborators of a session. A nil Selector is
// replaced by a VRF committee over all clients.
type Deps struct {
	Logger      logrus.FieldLogger
	Rounds      RoundSink
	Updates     UpdateSink
	Publisher   Publisher
	Broadcaster Broadcaster
	Selector    Selector
}

type Client struct {
	ID       string
	Index    int
	Data     dataset.Dataset
	Attacker bool
	// Flipped counts the labels poisoned at setup.
	Flipped int
}

func clientID(index int) string {
	return fmt.Sprintf("client-%03d", index)
}

// ClientIDs returns the IDs a session assigns to n clients.
func ClientIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = clientID(i)
	}
	return ids
}

// TrainingSession owns the state of one simulated federation.
type TrainingSession struct {
	ID     string
	Config *config.Config
	Arch   nn.Architecture

	global     *model.Model
	clients    []*Client
	byID       map[string]*Client
	test       *dataset.Loader
	root       *dataset.Loader
	backdoor   *dataset.Loader
	flipLabels map[int]int
	aggregator *aggregation.Aggregator
	history    []*CommunicationRound
	round      int

	deps   Deps
	logger logrus.FieldLogger
}

// New builds the federation described by cfg: data is generated or loaded,
// partitioned between clients, attacker data is poisoned once and the global
// model is initialised.
func New(cfg *config.Config, deps Deps) (*TrainingSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	s := &TrainingSession{
		ID:         uuid.New().String(),
		Config:     cfg,
		byID:       make(map[string]*Client),
		flipLabels: cfg.FlipLabels(),
		deps:       deps,
	}
	s.logger = deps.Logger.WithFields(logrus.Fields{
		"component": "session",
		"session":   s.ID,
	})

	rng := rand.New(rand.NewSource(cfg.Session.Seed))
	train, test, root, err := loadData(cfg, rng)
	if err != nil {
		return nil, err
	}
	s.test = dataset.NewLoader(test, cfg.Model.BatchSize, false)
	if len(root) > 0 {
		s.root = dataset.NewLoader(root, cfg.Model.BatchSize, true)
	}
	if cfg.Attack.Kind == config.ATTACK_LABEL_FLIP {
		if sources := dataset.SplitLabelWise(test, cfg.Data.Classes)[cfg.Attack.Source]; len(sources) > 0 {
			s.backdoor = dataset.NewLoader(sources, cfg.Model.BatchSize, false)
		}
	}

	shards, err := dataset.Split(train, cfg.Session.Clients, rng)
	if err != nil {
		return nil, err
	}
	for i, shard := range shards {
		client := &Client{
			ID:       clientID(i),
			Index:    i,
			Data:     shard,
			Attacker: i < cfg.Attack.Attackers,
		}
		if client.Attacker {
			if err := poisonData(cfg.Attack, client); err != nil {
				return nil, errors.Wrapf(err, "poison %s", client.ID)
			}
		}
		s.clients = append(s.clients, client)
		s.byID[client.ID] = client
	}

	features := cfg.Data.Features
	if cfg.Data.Source == config.SOURCE_NUMPY {
		features = train.Features()
	}
	s.Arch, err = nn.ByName(cfg.Model.Architecture, features, cfg.Model.Hidden, cfg.Data.Classes)
	if err != nil {
		return nil, err
	}
	s.global = s.Arch.Init(rng)

	rule, err := cfg.Rule()
	if err != nil {
		return nil, err
	}
	s.aggregator, err = aggregation.NewAggregator(rule, cfg.AggregationParams(), deps.Logger)
	if err != nil {
		return nil, err
	}

	if s.deps.Selector == nil {
		s.deps.Selector, err = committee.NewCommittee(ClientIDs(len(s.clients)), cfg.Session.Participation, rng)
		if err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"clients":   len(s.clients),
		"attackers": cfg.Attack.Attackers,
		"attack":    cfg.Attack.Kind,
		"rule":      rule,
		"params":    s.global.Size(),
	}).Info("session created")
	return s, nil
}

func loadData(cfg *config.Config, rng *rand.Rand) (train, test, root dataset.Dataset, err error) {
	d := cfg.Data
	switch d.Source {
	case config.SOURCE_NUMPY:
		if train, err = dataset.LoadNumpy(d.TrainFeatures, d.TrainLabels); err != nil {
			return nil, nil, nil, err
		}
		if test, err = dataset.LoadNumpy(d.TestFeatures, d.TestLabels); err != nil {
			return nil, nil, nil, err
		}
		if d.RootSamples > 0 {
			n := d.RootSamples
			if n > len(train) {
				n = len(train)
			}
			root = make(dataset.Dataset, n)
			for i, j := range rng.Perm(len(train))[:n] {
				root[i] = train[j]
			}
		}
	default:
		gen := dataset.Synthetic{Features: d.Features, Classes: d.Classes, Spread: d.Spread}
		train = gen.Generate(d.TrainSamples, rng)
		test = gen.Generate(d.TestSamples, rng)
		root = gen.Generate(d.RootSamples, rng)
	}
	return train, test, root, nil
}

func poisonData(attack config.AttackConfig, client *Client) error {
	switch attack.Kind {
	case config.ATTACK_LABEL_FLIP:
		plan := poison.Plan{
			Source:   attack.Source,
			Target:   attack.Target,
			Fraction: attack.Fraction,
			Count:    attack.Count,
		}
		data, flipped, err := plan.Apply(client.Data)
		if err != nil {
			return err
		}
		client.Data, client.Flipped = data, flipped
	case config.ATTACK_FLIP_ALL:
		client.Data, client.Flipped = poison.FlipAllLabels(client.Data, attack.Count)
	}
	return nil
}

// Global returns a copy of the current global model.
func (s *TrainingSession) Global() *model.Model {
	return s.global.Clone()
}

func (s *TrainingSession) Clients() []*Client {
	return s.clients
}

// Round returns the number of completed rounds.
func (s *TrainingSession) Round() int {
	return s.round
}

func (s *TrainingSession) History() []*CommunicationRound {
	return s.history
}

func (s *TrainingSession) Records() []RoundRecord {
	records := make([]RoundRecord, len(s.history))
	for i, r := range s.history {
		records[i] = r.Record
	}
	return records
}

// Run plays the remaining configured rounds, stopping at the first failure.
func (s *TrainingSession) Run(ctx context.Context) error {
	for s.round < s.Config.Session.Rounds {
		if _, err := s.RunRound(ctx); err != nil {
			return err
		}
	}
	return nil
}
