package trainer

import "github.com/pkg/errors"

var ErrEmptyAuditDenominator = errors.New("attack audit has no instances")

// AttackAudit counts, over one evaluation pass, the samples whose true label
// is a key of the flip mapping.
type AttackAudit struct {
	Instances          int
	Misclassifications int
	AttackSuccessCount int
}

// Observe records one prediction. Samples whose label is not a flip source are
// ignored.
func (a *AttackAudit) Observe(label int, pred int, flipLabels map[int]int) {
	target, ok := flipLabels[label]
	if !ok {
		return
	}
	a.Instances++
	if pred != label {
		a.Misclassifications++
		if pred == target {
			a.AttackSuccessCount++
		}
	}
}

// AttackSuccessRate is the percentage of audited samples predicted as the
// attacker's target.
func (a *AttackAudit) AttackSuccessRate() (float64, error) {
	return a.rate(a.AttackSuccessCount)
}

func (a *AttackAudit) MisclassificationRate() (float64, error) {
	return a.rate(a.Misclassifications)
}

func (a *AttackAudit) rate(count int) (float64, error) {
	if a.Instances == 0 {
		return 0, ErrEmptyAuditDenominator
	}
	return float64(count) / float64(a.Instances) * 100, nil
}
