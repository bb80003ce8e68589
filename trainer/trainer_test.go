package trainer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/nn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identity weights: the prediction is the index of the largest feature
func identityModel() (*nn.Linear, *model.Model) {
	arch := &nn.Linear{Features: 3, Classes: 3}
	m := &model.Model{Params: []model.Tensor{
		model.NewTensor("fc.weight", 3, 3),
		model.NewTensor("fc.bias", 3),
	}}
	copy(m.Params[0].Data, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	return arch, m
}

func auditData() dataset.Dataset {
	return dataset.Dataset{
		{Features: []float64{1, 0, 0}, Label: 0},
		{Features: []float64{0, 1, 0}, Label: 0},
		{Features: []float64{0, 0, 1}, Label: 0},
		{Features: []float64{0, 0, 1}, Label: 2},
	}
}

func TestEvaluate(t *testing.T) {
	arch, m := identityModel()
	loader := dataset.NewLoader(auditData(), 3, false)

	metrics, err := Evaluate(arch, m, loader, map[int]int{0: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, metrics.Samples)
	assert.Equal(t, 2, metrics.Correct)
	assert.InDelta(t, 50, metrics.Accuracy, 1e-12)
	assert.InDelta(t, math.Log(math.E+2)-0.5, metrics.Loss, 1e-12)

	require.NotNil(t, metrics.Attack)
	assert.Equal(t, AttackAudit{Instances: 3, Misclassifications: 2, AttackSuccessCount: 1}, *metrics.Attack)
	asr, err := metrics.Attack.AttackSuccessRate()
	require.NoError(t, err)
	assert.InDelta(t, 100.0/3, asr, 1e-12)
	mcr, err := metrics.Attack.MisclassificationRate()
	require.NoError(t, err)
	assert.InDelta(t, 200.0/3, mcr, 1e-12)
}

func TestEvaluateWithoutFlipLabels(t *testing.T) {
	arch, m := identityModel()
	metrics, err := Evaluate(arch, m, dataset.NewLoader(auditData(), 0, false), nil)
	require.NoError(t, err)
	assert.Nil(t, metrics.Attack)
}

func TestAuditZeroInstances(t *testing.T) {
	arch, m := identityModel()
	loader := dataset.NewLoader(auditData(), 2, false)

	metrics, err := Evaluate(arch, m, loader, map[int]int{5: 8})
	assert.True(t, errors.Is(err, ErrEmptyAuditDenominator))
	require.NotNil(t, metrics)
	assert.InDelta(t, 50, metrics.Accuracy, 1e-12)

	_, err = metrics.Attack.AttackSuccessRate()
	assert.True(t, errors.Is(err, ErrEmptyAuditDenominator))
	_, err = metrics.Attack.MisclassificationRate()
	assert.True(t, errors.Is(err, ErrEmptyAuditDenominator))
}

func TestBackdoorTest(t *testing.T) {
	arch, m := identityModel()
	result, err := BackdoorTest(arch, m, dataset.NewLoader(auditData(), 4, false), 2)
	require.NoError(t, err)
	assert.InDelta(t, 50, result.SuccessRate, 1e-12)
	assert.InDelta(t, math.Log(math.E+2)-0.5, result.Loss, 1e-12)

	_, err = BackdoorTest(arch, m, dataset.NewLoader(auditData(), 4, false), 3)
	assert.Error(t, err)
}

func TestEmptyDataset(t *testing.T) {
	arch, m := identityModel()
	empty := dataset.NewLoader(nil, 4, false)

	_, err := Evaluate(arch, m, empty, nil)
	assert.True(t, errors.Is(err, ErrEmptyDataset))
	_, _, err = Train(arch, m, empty, Options{Epochs: 1, LearningRate: 0.1})
	assert.True(t, errors.Is(err, ErrEmptyDataset))
	_, err = BackdoorTest(arch, m, empty, 0)
	assert.True(t, errors.Is(err, ErrEmptyDataset))
}

func TestTrainReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	data := dataset.Synthetic{Features: 4, Classes: 4, Spread: 0.5}.Generate(200, rng)
	loader := dataset.NewLoader(data, 20, true)

	for optimizer, lr := range map[string]float64{"sgd": 0.1, "adam": 0.01} {
		optimizer, lr := optimizer, lr
		t.Run(optimizer, func(t *testing.T) {
			arch := &nn.MLP{Features: 4, Hidden: 8, Classes: 4}
			initial := arch.Init(rand.New(rand.NewSource(1)))
			snapshot := initial.Clone()

			before, err := Evaluate(arch, initial, loader, nil)
			require.NoError(t, err)

			trained, losses, err := Train(arch, initial, loader, Options{
				LearningRate: lr,
				Epochs:       20,
				Optimizer:    optimizer,
				Rand:         rand.New(rand.NewSource(2)),
			})
			require.NoError(t, err)
			assert.Len(t, losses, 20)
			for epoch := 1; epoch <= 20; epoch++ {
				assert.Contains(t, losses, epoch)
			}
			assert.Equal(t, snapshot, initial, "caller model untouched")

			after, err := Evaluate(arch, trained, loader, nil)
			require.NoError(t, err)
			assert.Less(t, after.Loss, before.Loss)
			assert.Greater(t, after.Accuracy, 80.0)
		})
	}
}

func TestUpdateDelta(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := dataset.Synthetic{Features: 3, Classes: 3, Spread: 0.5}.Generate(30, rng)
	arch := &nn.Linear{Features: 3, Classes: 3}
	global := arch.Init(rng)

	delta, trained, losses, err := Update(arch, global, dataset.NewLoader(data, 10, false), Options{
		LearningRate: 0.1,
		Epochs:       2,
		Optimizer:    "sgd",
	})
	require.NoError(t, err)
	assert.Len(t, losses, 2)

	rebuilt, err := model.Add(global, delta)
	require.NoError(t, err)
	for i := range rebuilt.Params {
		assert.InDeltaSlice(t, trained.Params[i].Data, rebuilt.Params[i].Data, 1e-12)
	}
}
