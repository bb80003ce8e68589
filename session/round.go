package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/Lekssays/flpoison/config"
	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/poison"
	"github.com/Lekssays/flpoison/trainer"
	"github.com/Lekssays/flpoison/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunRound plays one communication round. Clients train in parallel from the
// same global model; aggregation only starts once every participant has
// finished. On any error the round is abandoned and the global model stays
// where it was.
func (s *TrainingSession) RunRound(ctx context.Context) (*CommunicationRound, error) {
	number := s.round + 1
	logger := s.logger.WithField("round", number)
	started := time.Now()

	participants, err := s.deps.Selector.Select(s.ID, number)
	if err != nil {
		return nil, errors.Wrapf(err, "round %d: select", number)
	}
	if len(participants) == 0 {
		return nil, errors.Errorf("round %d: no participants", number)
	}
	clients := make([]*Client, len(participants))
	for i, id := range participants {
		client, ok := s.byID[id]
		if !ok {
			return nil, errors.Errorf("round %d: unknown client %s", number, id)
		}
		clients[i] = client
	}

	updates := make([]*ClientUpdate, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.Session.Workers)
	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			update, err := s.trainClient(client, number)
			if err != nil {
				return errors.Wrapf(err, "client %s", client.ID)
			}
			updates[i] = update
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("client training failed")
		return nil, errors.Wrapf(err, "round %d", number)
	}

	if err := s.poisonUpdates(clients, updates, logger); err != nil {
		return nil, errors.Wrapf(err, "round %d: poison", number)
	}

	base, err := s.serverModel(number)
	if err != nil {
		return nil, errors.Wrapf(err, "round %d: server model", number)
	}
	models := make(map[string]*model.Model, len(updates))
	byID := make(map[string]*ClientUpdate, len(updates))
	for _, u := range updates {
		models[u.ClientID] = u.Model
		byID[u.ClientID] = u
	}
	outcome, err := s.aggregator.Aggregate(base, s.global, models)
	if err != nil {
		return nil, errors.Wrapf(err, "round %d", number)
	}

	round := &CommunicationRound{
		Number:       number,
		Global:       outcome.Model,
		Participants: participants,
		Updates:      byID,
		Outcome:      outcome,
	}
	if err := s.evaluate(round, logger); err != nil {
		return nil, errors.Wrapf(err, "round %d: evaluate", number)
	}
	s.fillRecord(round, started)

	if err := s.persist(ctx, round, logger); err != nil {
		logger.WithError(err).Error("persisting round failed")
		return nil, errors.Wrapf(err, "round %d", number)
	}

	s.global = outcome.Model
	s.round = number
	s.history = append(s.history, round)

	entry := logger.WithFields(logrus.Fields{
		"participants": len(participants),
		"loss":         round.Record.TestLoss,
		"accuracy":     round.Record.Accuracy,
	})
	if r := round.Record.AttackSuccessRate; r != nil {
		entry = entry.WithField("attack_success_rate", *r)
	}
	entry.Info("round complete")
	return round, nil
}

// clientRand is private to one client and round, so results do not depend on
// scheduling.
func (s *TrainingSession) clientRand(index int, round int) *rand.Rand {
	seed := s.Config.Session.Seed + int64(round)*int64(len(s.clients)+1) + int64(index)
	return rand.New(rand.NewSource(seed))
}

func (s *TrainingSession) options(rng *rand.Rand) trainer.Options {
	return trainer.Options{
		LearningRate: s.Config.Model.LearningRate,
		WeightDecay:  s.Config.Model.WeightDecay,
		Epochs:       s.Config.Model.LocalEpochs,
		Optimizer:    s.Config.Model.Optimizer,
		Rand:         rng,
	}
}

func (s *TrainingSession) trainClient(client *Client, round int) (*ClientUpdate, error) {
	loader := dataset.NewLoader(client.Data, s.Config.Model.BatchSize, true)
	delta, trained, losses, err := trainer.Update(s.Arch, s.global, loader, s.options(s.clientRand(client.Index, round)))
	if err != nil {
		return nil, err
	}
	return &ClientUpdate{
		ClientID: client.ID,
		Model:    trained,
		Delta:    delta,
		Losses:   losses,
		Poisoned: client.Attacker && client.Flipped > 0,
	}, nil
}

// poisonUpdates replaces attacker updates with crafted ones. The attackers
// use the mean of this round's benign updates as the base they deviate from.
func (s *TrainingSession) poisonUpdates(clients []*Client, updates []*ClientUpdate, logger logrus.FieldLogger) error {
	kind := s.Config.Attack.Kind
	if kind != config.ATTACK_MODEL_DIRECT && kind != config.ATTACK_MODEL_BUDGETED {
		return nil
	}

	benign := make(map[string]*model.Model)
	for i, c := range clients {
		if !c.Attacker {
			benign[c.ID] = updates[i].Model
		}
	}
	base := s.global
	if len(benign) > 0 {
		var err error
		if base, err = aggregation.Combine(nil, benign, aggregation.FedAvg, aggregation.Params{}); err != nil {
			return err
		}
	}

	for i, c := range clients {
		if !c.Attacker {
			continue
		}
		var (
			poisoned *model.Model
			err      error
		)
		if kind == config.ATTACK_MODEL_DIRECT {
			poisoned, err = poison.ModelPoisonDirect(base, updates[i].Model, s.Config.Attack.PoisonFraction)
		} else {
			var report *poison.Report
			poisoned, report, err = poison.ModelPoisonBudgeted(base, updates[i].Model, s.Config.Attack.PoisonFraction, s.Config.Attack.CosineFloor)
			if err == nil {
				logger.WithFields(logrus.Fields{
					"client":           c.ID,
					"applied":          report.Applied,
					"shrunk":           report.Shrunk,
					"skipped":          report.Skipped,
					"cosine_to_base":   report.CosineToBase,
					"cosine_to_client": report.CosineToClient,
				}).Debug("budgeted poisoning")
			}
		}
		if err != nil {
			return errors.Wrapf(err, "client %s", c.ID)
		}
		delta, err := model.Sub(poisoned, s.global)
		if err != nil {
			return err
		}
		updates[i] = &ClientUpdate{
			ClientID: c.ID,
			Model:    poisoned,
			Delta:    delta,
			Losses:   updates[i].Losses,
			Poisoned: true,
		}
	}
	return nil
}

// serverModel trains the trusted base on the root set for the rules that
// compare against one.
func (s *TrainingSession) serverModel(round int) (*model.Model, error) {
	rule := s.aggregator.Rule
	if s.root == nil || (rule != aggregation.FLTrust && rule != aggregation.FLTC) {
		return nil, nil
	}
	rng := s.clientRand(len(s.clients), round)
	trained, _, err := trainer.Train(s.Arch, s.global, s.root, s.options(rng))
	return trained, err
}

func (s *TrainingSession) evaluate(round *CommunicationRound, logger logrus.FieldLogger) error {
	metrics, err := trainer.Evaluate(s.Arch, round.Global, s.test, s.flipLabels)
	switch {
	case errors.Is(err, trainer.ErrEmptyAuditDenominator):
		logger.Warn("no audited test samples, attack rates undefined")
	case err != nil:
		return err
	}
	round.Metrics = metrics

	if s.backdoor != nil {
		result, err := trainer.BackdoorTest(s.Arch, round.Global, s.backdoor, s.Config.Attack.Target)
		if err != nil {
			return err
		}
		rate := result.SuccessRate
		round.Record.BackdoorSuccessRate = &rate
	}
	return nil
}

func (s *TrainingSession) fillRecord(round *CommunicationRound, started time.Time) {
	r := &round.Record
	r.SessionID = s.ID
	r.Round = round.Number
	r.Rule = s.aggregator.Rule.String()
	r.Participants = round.Participants
	r.TrainLoss = make(map[string]float64, len(round.Updates))
	for _, id := range round.Participants {
		u := round.Updates[id]
		last := u.Losses[s.Config.Model.LocalEpochs]
		r.TrainLoss[id] = last
		r.MeanLoss += last / float64(len(round.Participants))
		if u.Poisoned {
			r.Poisoned = append(r.Poisoned, id)
		}
	}
	r.TestLoss = round.Metrics.Loss
	r.Accuracy = round.Metrics.Accuracy
	if audit := round.Metrics.Attack; audit != nil {
		if rate, err := audit.AttackSuccessRate(); err == nil {
			r.AttackSuccessRate = &rate
		}
		if rate, err := audit.MisclassificationRate(); err == nil {
			r.MisclassificationRate = &rate
		}
	}
	r.Weights = round.Outcome.Weights
	r.Excluded = round.Outcome.Excluded
	r.Alignment = round.Outcome.Alignment
	r.NoOp = round.Outcome.NoOp
	r.StartedAt = started
	r.FinishedAt = time.Now()
}

func (s *TrainingSession) persist(ctx context.Context, round *CommunicationRound, logger logrus.FieldLogger) error {
	if err := s.commit(ctx, round); err != nil {
		if s.deps.Updates != nil {
			if derr := s.deps.Updates.DiscardRound(context.Background(), s.ID, round.Number); derr != nil {
				logger.WithError(derr).Warn("discarding updates of failed round")
			}
		}
		return err
	}
	if s.deps.Broadcaster != nil {
		if err := s.deps.Broadcaster.Broadcast(round.Record); err != nil {
			logger.WithError(err).Warn("broadcast round failed")
		}
	}
	return nil
}

// commit stores the updates, publishes the model and saves the round record
// last.
func (s *TrainingSession) commit(ctx context.Context, round *CommunicationRound) error {
	if s.deps.Updates != nil {
		for _, id := range round.Participants {
			u := round.Updates[id]
			record := wire.NewUpdateRecord(s.ID, round.Number, id, u.Model, u.Poisoned)
			if err := s.deps.Updates.SaveUpdate(ctx, record); err != nil {
				return errors.Wrapf(err, "save update of %s", id)
			}
		}
	}
	if s.deps.Publisher != nil {
		vector, _ := model.Flatten(round.Global)
		cid, err := s.deps.Publisher.PublishModel(vector)
		if err != nil {
			return errors.Wrap(err, "publish model")
		}
		round.Record.ModelCID = cid
	}
	if s.deps.Rounds != nil {
		if err := s.deps.Rounds.SaveRound(s.ID, round.Record); err != nil {
			return errors.Wrap(err, "save round")
		}
	}
	return nil
}
