package aggregation

import (
	"github.com/Lekssays/flpoison/model"
	"github.com/sirupsen/logrus"
)

// Aggregator binds a rule and its parameters for repeated use across rounds.
type Aggregator struct {
	Rule   Rule
	Params Params
	logger logrus.FieldLogger
}

func NewAggregator(rule Rule, params Params, logger logrus.FieldLogger) (*Aggregator, error) {
	if _, ok := rules[rule]; !ok {
		return nil, ErrUnsupportedAggregationRule
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		Rule:   rule,
		Params: params,
		logger: logger.WithField("component", "aggregator"),
	}, nil
}

// Aggregate combines one round of updates. global is the model the clients
// started from and overrides Params.Global.
func (a *Aggregator) Aggregate(base, global *model.Model, updates map[string]*model.Model) (*Outcome, error) {
	params := a.Params
	params.Global = global

	outcome, err := CombineDetailed(base, updates, a.Rule, params)
	if err != nil {
		a.logger.WithError(err).WithField("rule", a.Rule).Error("aggregation failed")
		return nil, err
	}

	entry := a.logger.WithFields(logrus.Fields{
		"rule":    a.Rule,
		"updates": len(updates),
	})
	if len(outcome.Excluded) > 0 {
		entry = entry.WithField("excluded", outcome.Excluded)
	}
	if outcome.NoOp {
		entry.Warn("no client earned positive trust, global model kept")
	} else {
		entry.Debug("aggregated updates")
	}
	return outcome, nil
}
