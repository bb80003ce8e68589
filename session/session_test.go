package session

import (
	"context"
	"sync"
	"testing"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/Lekssays/flpoison/config"
	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.Seed = 7
	cfg.Session.Clients = 4
	cfg.Session.Rounds = 3
	cfg.Session.Workers = 2
	cfg.Model.Architecture = "linear"
	cfg.Model.Optimizer = "sgd"
	cfg.Model.LearningRate = 0.1
	cfg.Model.WeightDecay = 0
	cfg.Model.LocalEpochs = 2
	cfg.Model.BatchSize = 20
	cfg.Data.Features = 4
	cfg.Data.Classes = 4
	cfg.Data.Spread = 0.5
	cfg.Data.TrainSamples = 400
	cfg.Data.TestSamples = 100
	cfg.Data.RootSamples = 40
	return cfg
}

func quietDeps() Deps {
	logger, _ := test.NewNullLogger()
	return Deps{Logger: logger}
}

func TestRun(t *testing.T) {
	s, err := New(smallConfig(), quietDeps())
	require.NoError(t, err)
	initial := s.Global()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, s.Round())
	require.Len(t, s.History(), 3)
	assert.NotEqual(t, initial, s.Global())

	records := s.Records()
	for i, r := range records {
		assert.Equal(t, i+1, r.Round)
		assert.Equal(t, s.ID, r.SessionID)
		assert.Equal(t, "FedAvg", r.Rule)
		assert.Len(t, r.Participants, 4)
		assert.Len(t, r.TrainLoss, 4)
		assert.Nil(t, r.AttackSuccessRate)
		assert.False(t, r.FinishedAt.Before(r.StartedAt))
	}
	assert.Greater(t, records[2].Accuracy, 70.0)
	assert.Equal(t, s.History()[2].Global, s.Global())
}

func TestParallelTrainingMatchesSequential(t *testing.T) {
	sequential := smallConfig()
	sequential.Session.Workers = 1
	parallel := smallConfig()
	parallel.Session.Workers = 4

	a, err := New(sequential, quietDeps())
	require.NoError(t, err)
	b, err := New(parallel, quietDeps())
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))

	assert.Equal(t, a.Global(), b.Global())
}

type fixedSelector []string

func (f fixedSelector) Select(string, int) ([]string, error) {
	return f, nil
}

func TestFailedRoundKeepsGlobal(t *testing.T) {
	deps := quietDeps()
	deps.Selector = fixedSelector{"client-000", "ghost"}
	s, err := New(smallConfig(), deps)
	require.NoError(t, err)
	before := s.Global()

	_, err = s.RunRound(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, s.Round())
	assert.Empty(t, s.History())
	assert.Equal(t, before, s.Global())
}

type failingSink struct{}

func (failingSink) SaveRound(string, RoundRecord) error {
	return errors.New("disk full")
}

func TestPersistFailureAbortsRound(t *testing.T) {
	deps := quietDeps()
	deps.Rounds = failingSink{}
	s, err := New(smallConfig(), deps)
	require.NoError(t, err)
	before := s.Global()

	err = s.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, s.Round())
	assert.Equal(t, before, s.Global())
}

func TestCancelledContext(t *testing.T) {
	s, err := New(smallConfig(), quietDeps())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.RunRound(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.Round())
}

type recorder struct {
	mu      sync.Mutex
	rounds  []RoundRecord
	updates []*wire.UpdateRecord
	casts   int
}

func (r *recorder) SaveRound(_ string, record RoundRecord) error {
	r.rounds = append(r.rounds, record)
	return nil
}

func (r *recorder) SaveUpdate(_ context.Context, record *wire.UpdateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, record)
	return nil
}

func (r *recorder) DiscardRound(_ context.Context, sessionID string, round int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.updates[:0]
	for _, u := range r.updates {
		if u.SessionID != sessionID || u.Round != round {
			kept = append(kept, u)
		}
	}
	r.updates = kept
	return nil
}

func (r *recorder) PublishModel(vector []float64) (string, error) {
	return "bafy-test", nil
}

func (r *recorder) Broadcast(RoundRecord) error {
	r.casts++
	return nil
}

func TestSinksReceiveRounds(t *testing.T) {
	rec := &recorder{}
	deps := quietDeps()
	deps.Rounds = rec
	deps.Updates = rec
	deps.Publisher = rec
	deps.Broadcaster = rec

	s, err := New(smallConfig(), deps)
	require.NoError(t, err)
	round, err := s.RunRound(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.rounds, 1)
	assert.Equal(t, "bafy-test", rec.rounds[0].ModelCID)
	assert.Equal(t, round.Record, rec.rounds[0])
	assert.Equal(t, 1, rec.casts)
	require.Len(t, rec.updates, 4)
	for _, u := range rec.updates {
		assert.Equal(t, s.ID, u.SessionID)
		assert.Equal(t, 1, u.Round)
		assert.Equal(t, s.Global().Size(), len(u.Values))
	}
}

func TestFailedCommitDiscardsUpdates(t *testing.T) {
	rec := &recorder{}
	deps := quietDeps()
	deps.Updates = rec
	deps.Rounds = failingSink{}
	s, err := New(smallConfig(), deps)
	require.NoError(t, err)

	_, err = s.RunRound(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, s.Round())
	assert.Empty(t, rec.updates)
}

type failingBroadcaster struct{}

func (failingBroadcaster) Broadcast(RoundRecord) error {
	return errors.New("no listeners")
}

func TestBroadcastFailureKeepsRound(t *testing.T) {
	rec := &recorder{}
	deps := quietDeps()
	deps.Rounds = rec
	deps.Updates = rec
	deps.Broadcaster = failingBroadcaster{}
	s, err := New(smallConfig(), deps)
	require.NoError(t, err)

	_, err = s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Round())
	assert.Len(t, rec.rounds, 1)
	assert.Len(t, rec.updates, 4)
}

func TestFlipAllCount(t *testing.T) {
	data := dataset.Dataset{
		{Features: []float64{0}, Label: 0},
		{Features: []float64{1}, Label: 1},
		{Features: []float64{2}, Label: 2},
	}
	attack := config.AttackConfig{Kind: config.ATTACK_FLIP_ALL, Count: 2}

	client := &Client{Data: data}
	require.NoError(t, poisonData(attack, client))
	assert.Equal(t, 2, client.Flipped)
	assert.Equal(t, []int{9, 8, 2}, []int{client.Data[0].Label, client.Data[1].Label, client.Data[2].Label})

	attack.Count = -1
	client = &Client{Data: data}
	require.NoError(t, poisonData(attack, client))
	assert.Equal(t, 3, client.Flipped)
	assert.Equal(t, 7, client.Data[2].Label)
}

func TestLabelFlipAttack(t *testing.T) {
	cfg := smallConfig()
	cfg.Attack.Kind = config.ATTACK_LABEL_FLIP
	cfg.Attack.Attackers = 2
	cfg.Attack.Source = 1
	cfg.Attack.Target = 2
	cfg.Attack.Fraction = -1

	s, err := New(cfg, quietDeps())
	require.NoError(t, err)
	for _, c := range s.Clients()[:2] {
		require.NotEmpty(t, c.Data)
		assert.Equal(t, len(c.Data), c.Flipped)
		assert.Equal(t, map[int]int{2: len(c.Data)}, c.Data.CountLabels())
	}
	assert.Zero(t, s.Clients()[2].Flipped)

	round, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"client-000", "client-001"}, round.Record.Poisoned)
	require.NotNil(t, round.Record.AttackSuccessRate)
	require.NotNil(t, round.Record.MisclassificationRate)
	require.NotNil(t, round.Record.BackdoorSuccessRate)
	assert.GreaterOrEqual(t, *round.Record.MisclassificationRate, *round.Record.AttackSuccessRate)
}

func TestModelPoisoningUnderRobustRules(t *testing.T) {
	for _, rule := range []aggregation.Rule{aggregation.FLTrust, aggregation.TMean, aggregation.FLTC} {
		for _, kind := range []string{config.ATTACK_MODEL_DIRECT, config.ATTACK_MODEL_BUDGETED} {
			t.Run(rule.String()+"/"+kind, func(t *testing.T) {
				cfg := smallConfig()
				cfg.Aggregation.Rule = rule
				cfg.Aggregation.TrimFraction = 0.25
				cfg.Aggregation.SimilarityThreshold = 0.2
				cfg.Attack.Kind = kind
				cfg.Attack.Attackers = 1
				cfg.Attack.PoisonFraction = 0.5

				s, err := New(cfg, quietDeps())
				require.NoError(t, err)
				round, err := s.RunRound(context.Background())
				require.NoError(t, err)
				assert.Equal(t, []string{"client-000"}, round.Record.Poisoned)
				assert.True(t, round.Updates["client-000"].Poisoned)
				if rule == aggregation.FLTC {
					assert.Len(t, round.Record.Alignment, 4)
				} else {
					assert.Nil(t, round.Record.Alignment)
				}
			})
		}
	}
}

func TestPartialParticipation(t *testing.T) {
	cfg := smallConfig()
	cfg.Session.Clients = 8
	cfg.Session.Participation = 0.5

	s, err := New(cfg, quietDeps())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	for _, r := range s.Records() {
		assert.NotEmpty(t, r.Participants)
		assert.LessOrEqual(t, len(r.Participants), 8)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Aggregation.Rule = aggregation.Rule(42)
	_, err := New(cfg, Deps{Logger: logrus.New()})
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
