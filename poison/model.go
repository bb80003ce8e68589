package poison

import (
	"math"
	"sort"

	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/similarity"
	"github.com/pkg/errors"
)

// MAX_HALVINGS bounds how often a rejected budgeted edit is retried with half
// the step before the coordinate is skipped.
const MAX_HALVINGS = 8

// Report describes what a budgeted poisoning pass did.
type Report struct {
	Selected       int
	Applied        int
	Shrunk         int
	Skipped        int
	CosineToBase   float64
	CosineToClient float64

	// Fallback is set when the unbounded edit stayed closer to base and was
	// returned instead.
	Fallback bool
}

type pair struct {
	base     []float64
	client   []float64
	delta    []float64
	manifest model.Manifest
}

func flattenPair(base *model.Model, client *model.Model) (*pair, error) {
	if base == nil || client == nil {
		return nil, errors.Wrap(model.ErrShapeMismatch, "nil model")
	}
	b, bm := model.Flatten(base)
	c, cm := model.Flatten(client)
	if !bm.Equal(cm) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "base %v, client %v", bm, cm)
	}
	delta := make([]float64, len(c))
	for i := range c {
		delta[i] = c[i] - b[i]
	}
	return &pair{base: b, client: c, delta: delta, manifest: cm}, nil
}

// topK returns the indices of the int(len*fraction) largest |delta| values,
// ties broken by ascending index.
func topK(delta []float64, fraction float64) ([]int, error) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return nil, errors.Wrapf(ErrInvalidFraction, "%v", fraction)
	}
	k := int(float64(len(delta)) * fraction)
	indices := make([]int, len(delta))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return math.Abs(delta[indices[i]]) > math.Abs(delta[indices[j]])
	})
	return indices[:k], nil
}

// ModelPoisonDirect exaggerates the client's deviation from base on the
// coordinates where it is largest: new[i] = client[i] + 2*delta[i].
func ModelPoisonDirect(base *model.Model, client *model.Model, fraction float64) (*model.Model, error) {
	p, err := flattenPair(base, client)
	if err != nil {
		return nil, err
	}
	selected, err := topK(p.delta, fraction)
	if err != nil {
		return nil, err
	}

	return model.Unflatten(direct(p, selected), p.manifest, client)
}

func direct(p *pair, selected []int) []float64 {
	poisoned := append([]float64(nil), p.client...)
	for _, i := range selected {
		poisoned[i] = p.client[i] + 2*p.delta[i]
	}
	return poisoned
}

// ModelPoisonBudgeted applies the same edits one coordinate at a time, keeping
// an edit only while the cosine similarity to base stays at or above floor or
// does not drop. Rejected edits are retried with half the step up to
// MAX_HALVINGS times and then skipped. The result is never further from base
// than ModelPoisonDirect with the same fraction.
func ModelPoisonBudgeted(base *model.Model, client *model.Model, fraction float64, floor float64) (*model.Model, *Report, error) {
	p, err := flattenPair(base, client)
	if err != nil {
		return nil, nil, err
	}
	selected, err := topK(p.delta, fraction)
	if err != nil {
		return nil, nil, err
	}

	adapter := similarity.NewCoordAdapter(p.client, p.base, p.client)
	report := &Report{Selected: len(selected)}
	for _, i := range selected {
		step := 2 * p.delta[i]
		for h := 0; h <= MAX_HALVINGS; h++ {
			candidate := adapter.Value(i) + step
			cs := adapter.Peek(i, candidate)
			if cs >= floor || cs >= adapter.CosineToBase() {
				adapter.Set(i, candidate)
				if h > 0 {
					report.Shrunk++
				}
				break
			}
			step /= 2
		}
	}
	report.Applied = adapter.Edited()
	report.Skipped = report.Selected - report.Applied
	vector := adapter.Vector()
	report.CosineToBase = adapter.CosineToBase()
	report.CosineToClient = adapter.CosineToClient()

	// greedy edits in |delta| order can end further from base than the
	// unbounded edit when the start is already below floor
	full := direct(p, selected)
	if cs := similarity.CosineSimilarity(full, p.base); cs > report.CosineToBase {
		vector = full
		report.Fallback = true
		report.Applied, report.Shrunk, report.Skipped = len(selected), 0, 0
		report.CosineToBase = cs
		report.CosineToClient = similarity.CosineSimilarity(full, p.client)
	}

	poisoned, err := model.Unflatten(vector, p.manifest, client)
	if err != nil {
		return nil, nil, err
	}
	return poisoned, report, nil
}
