package trainer

import (
	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/nn"
	"github.com/pkg/errors"
)

type Metrics struct {
	Loss     float64
	Correct  int
	Samples  int
	Accuracy float64

	// Attack is nil unless flip labels were given.
	Attack *AttackAudit
}

// Evaluate computes the mean NLL and top-1 accuracy over the loader. With a
// non-empty flipLabels it also audits the attack; when no audited sample is
// present the metrics are returned together with ErrEmptyAuditDenominator.
func Evaluate(arch nn.Architecture, m *model.Model, loader *dataset.Loader, flipLabels map[int]int) (*Metrics, error) {
	if loader == nil || loader.Len() == 0 {
		return nil, ErrEmptyDataset
	}

	metrics := &Metrics{}
	if len(flipLabels) > 0 {
		metrics.Attack = &AttackAudit{}
	}
	for _, batch := range loader.Batches(nil) {
		logProbs, err := arch.LogProbs(m, batch)
		if err != nil {
			return nil, err
		}
		_, classes := logProbs.Dims()
		for _, s := range batch {
			if s.Label < 0 || s.Label >= classes {
				return nil, errors.Errorf("label %d outside [0, %d)", s.Label, classes)
			}
		}
		for _, nll := range nn.NLL(logProbs, batch) {
			metrics.Loss += nll
		}
		for i, pred := range nn.Predict(logProbs) {
			if pred == batch[i].Label {
				metrics.Correct++
			}
			if metrics.Attack != nil {
				metrics.Attack.Observe(batch[i].Label, pred, flipLabels)
			}
		}
		metrics.Samples += len(batch)
	}

	metrics.Loss /= float64(metrics.Samples)
	metrics.Accuracy = float64(metrics.Correct) / float64(metrics.Samples) * 100
	if metrics.Attack != nil && metrics.Attack.Instances == 0 {
		return metrics, ErrEmptyAuditDenominator
	}
	return metrics, nil
}

type BackdoorResult struct {
	Loss        float64
	SuccessRate float64
}

// BackdoorTest reports the percentage of samples predicted as target and
// the mean NLL of target.
func BackdoorTest(arch nn.Architecture, m *model.Model, loader *dataset.Loader, target int) (*BackdoorResult, error) {
	if loader == nil || loader.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	result := &BackdoorResult{}
	hits := 0
	for _, batch := range loader.Batches(nil) {
		logProbs, err := arch.LogProbs(m, batch)
		if err != nil {
			return nil, err
		}
		_, classes := logProbs.Dims()
		if target < 0 || target >= classes {
			return nil, errors.Errorf("target %d outside [0, %d)", target, classes)
		}
		for i, pred := range nn.Predict(logProbs) {
			result.Loss -= logProbs.At(i, target)
			if pred == target {
				hits++
			}
		}
	}
	n := float64(loader.Len())
	result.Loss /= n
	result.SuccessRate = float64(hits) / n * 100
	return result, nil
}
