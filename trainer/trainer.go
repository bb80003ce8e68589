package trainer

import (
	"math/rand"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/nn"
	"github.com/pkg/errors"
)

var ErrEmptyDataset = errors.New("empty dataset")

type Options struct {
	LearningRate float64
	WeightDecay  float64
	Epochs       int
	Optimizer    string

	// Rand drives loader shuffling. Nil keeps the loader order.
	Rand *rand.Rand
}

// Train runs Epochs passes of mini-batch descent on a private copy of m and
// returns it with the last-batch loss of every epoch, keyed from 1.
func Train(arch nn.Architecture, m *model.Model, loader *dataset.Loader, opts Options) (*model.Model, map[int]float64, error) {
	if loader == nil || loader.Len() == 0 {
		return nil, nil, ErrEmptyDataset
	}
	optimizer, err := nn.NewOptimizer(opts.Optimizer, opts.LearningRate, opts.WeightDecay)
	if err != nil {
		return nil, nil, err
	}

	trained := m.Clone()
	losses := make(map[int]float64, opts.Epochs)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		var loss float64
		for _, batch := range loader.Batches(opts.Rand) {
			grad, batchLoss, err := arch.Gradient(trained, batch)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "epoch %d", epoch)
			}
			optimizer.Step(trained, grad)
			loss = batchLoss
		}
		losses[epoch] = loss
	}
	return trained, losses, nil
}

// Update trains from m and also returns the delta trained - m.
func Update(arch nn.Architecture, m *model.Model, loader *dataset.Loader, opts Options) (*model.Model, *model.Model, map[int]float64, error) {
	trained, losses, err := Train(arch, m, loader, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	delta, err := model.Sub(trained, m)
	if err != nil {
		return nil, nil, nil, err
	}
	return delta, trained, losses, nil
}
