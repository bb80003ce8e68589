package poison

import (
	"math"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/pkg/errors"
)

const (
	// FLIP_ALL as a fraction keeps only the flipped source samples. As a
	// count it removes the bound on how many samples are flipped.
	FLIP_ALL = -1

	// MAX_LABEL is the largest label of the ten-class space FlipAllLabels
	// mirrors.
	MAX_LABEL = 9
)

var ErrInvalidFraction = errors.New("invalid poison fraction")

// Plan describes a label-flipping attack on one client's data.
type Plan struct {
	Source   int
	Target   int
	Fraction float64

	// Count flips a fixed number of source samples instead of a fraction
	// when it is positive or FLIP_ALL. A Fraction of FLIP_ALL takes
	// precedence over it.
	Count int
}

// Apply poisons data according to the plan and returns the poisoned copy and
// the number of flipped labels.
func (p Plan) Apply(data dataset.Dataset) (dataset.Dataset, int, error) {
	if p.Fraction == FLIP_ALL {
		return LabelFlip(data, p.Source, p.Target, FLIP_ALL)
	}
	if p.Count > 0 || p.Count == FLIP_ALL {
		out, flipped := LabelFlipCount(data, p.Source, p.Target, p.Count)
		return out, flipped, nil
	}
	return LabelFlip(data, p.Source, p.Target, p.Fraction)
}

// LabelFlip relabels source samples as target in their original order, up to
// ceil(fraction * count(source)). A fraction of FLIP_ALL instead returns only
// the source samples, all relabelled, and drops everything else.
func LabelFlip(data dataset.Dataset, source int, target int, fraction float64) (dataset.Dataset, int, error) {
	if fraction == FLIP_ALL {
		out := make(dataset.Dataset, 0)
		for _, s := range data {
			if s.Label == source {
				out = append(out, dataset.Sample{Features: s.Features, Label: target})
			}
		}
		return out, len(out), nil
	}
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return nil, 0, errors.Wrapf(ErrInvalidFraction, "%v", fraction)
	}

	occurrences := data.CountLabels()[source]
	budget := int(math.Ceil(fraction * float64(occurrences)))
	out, flipped := flip(data, budget, func(label int) (int, bool) {
		return target, label == source
	})
	return out, flipped, nil
}

// LabelFlipCount relabels up to count source samples, or all of them when
// count is FLIP_ALL. Nothing is dropped.
func LabelFlipCount(data dataset.Dataset, source int, target int, count int) (dataset.Dataset, int) {
	return flip(data, count, func(label int) (int, bool) {
		return target, label == source
	})
}

// FlipAllLabels maps every label L to MAX_LABEL - L for up to count samples,
// or for all samples when count is FLIP_ALL.
func FlipAllLabels(data dataset.Dataset, count int) (dataset.Dataset, int) {
	return flip(data, count, func(label int) (int, bool) {
		return MAX_LABEL - label, true
	})
}

func flip(data dataset.Dataset, budget int, relabel func(label int) (int, bool)) (dataset.Dataset, int) {
	out := data.Clone()
	flipped := 0
	for i := range out {
		if budget != FLIP_ALL && flipped >= budget {
			break
		}
		if label, ok := relabel(out[i].Label); ok {
			out[i].Label = label
			flipped++
		}
	}
	return out, flipped
}
