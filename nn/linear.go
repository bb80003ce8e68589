package nn

import (
	"math"
	"math/rand"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"gonum.org/v1/gonum/mat"
)

// Linear is multinomial logistic regression: a single fully connected layer
// followed by log-softmax.
type Linear struct {
	Features int
	Classes  int
}

func (l *Linear) Name() string {
	return "linear"
}

func (l *Linear) Init(rng *rand.Rand) *model.Model {
	w := model.NewTensor("fc.weight", l.Classes, l.Features)
	b := model.NewTensor("fc.bias", l.Classes)
	bound := 1 / math.Sqrt(float64(l.Features))
	uniform(w, bound, rng)
	uniform(b, bound, rng)
	return &model.Model{Params: []model.Tensor{w, b}}
}

func (l *Linear) forward(m *model.Model, batch dataset.Dataset) (*mat.Dense, *mat.Dense, error) {
	w, err := param(m, "fc.weight", l.Classes, l.Features)
	if err != nil {
		return nil, nil, err
	}
	b, err := param(m, "fc.bias", l.Classes)
	if err != nil {
		return nil, nil, err
	}
	x, err := inputs(batch, l.Features)
	if err != nil {
		return nil, nil, err
	}
	z := affine(x, w, b)
	logSoftmax(z)
	return x, z, nil
}

func (l *Linear) LogProbs(m *model.Model, batch dataset.Dataset) (*mat.Dense, error) {
	_, z, err := l.forward(m, batch)
	return z, err
}

func (l *Linear) Gradient(m *model.Model, batch dataset.Dataset) (*model.Model, float64, error) {
	if err := checkLabels(batch, l.Classes); err != nil {
		return nil, 0, err
	}
	x, z, err := l.forward(m, batch)
	if err != nil {
		return nil, 0, err
	}
	dz, loss := outputGrad(z, batch)

	grad := model.Zeros(m.Manifest())
	gw, _ := grad.Param("fc.weight").Dense()
	gw.Mul(dz.T(), x)
	columnSums(dz, grad.Param("fc.bias").Data)
	return grad, loss, nil
}
