package nn

import (
	"math"
	"math/rand"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"gonum.org/v1/gonum/mat"
)

// MLP has one ReLU hidden layer.
type MLP struct {
	Features int
	Hidden   int
	Classes  int
}

func (l *MLP) Name() string {
	return "mlp"
}

func (l *MLP) Init(rng *rand.Rand) *model.Model {
	w1 := model.NewTensor("fc1.weight", l.Hidden, l.Features)
	b1 := model.NewTensor("fc1.bias", l.Hidden)
	w2 := model.NewTensor("fc2.weight", l.Classes, l.Hidden)
	b2 := model.NewTensor("fc2.bias", l.Classes)
	bound1 := 1 / math.Sqrt(float64(l.Features))
	bound2 := 1 / math.Sqrt(float64(l.Hidden))
	uniform(w1, bound1, rng)
	uniform(b1, bound1, rng)
	uniform(w2, bound2, rng)
	uniform(b2, bound2, rng)
	return &model.Model{Params: []model.Tensor{w1, b1, w2, b2}}
}

type mlpPass struct {
	x, h, z *mat.Dense
	w2      *mat.Dense
}

func (l *MLP) forward(m *model.Model, batch dataset.Dataset) (*mlpPass, error) {
	w1, err := param(m, "fc1.weight", l.Hidden, l.Features)
	if err != nil {
		return nil, err
	}
	b1, err := param(m, "fc1.bias", l.Hidden)
	if err != nil {
		return nil, err
	}
	w2, err := param(m, "fc2.weight", l.Classes, l.Hidden)
	if err != nil {
		return nil, err
	}
	b2, err := param(m, "fc2.bias", l.Classes)
	if err != nil {
		return nil, err
	}
	x, err := inputs(batch, l.Features)
	if err != nil {
		return nil, err
	}

	h := affine(x, w1, b1)
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, h)
	z := affine(h, w2, b2)
	logSoftmax(z)
	return &mlpPass{x: x, h: h, z: z, w2: w2}, nil
}

func (l *MLP) LogProbs(m *model.Model, batch dataset.Dataset) (*mat.Dense, error) {
	pass, err := l.forward(m, batch)
	if err != nil {
		return nil, err
	}
	return pass.z, nil
}

func (l *MLP) Gradient(m *model.Model, batch dataset.Dataset) (*model.Model, float64, error) {
	if err := checkLabels(batch, l.Classes); err != nil {
		return nil, 0, err
	}
	pass, err := l.forward(m, batch)
	if err != nil {
		return nil, 0, err
	}
	dz, loss := outputGrad(pass.z, batch)

	grad := model.Zeros(m.Manifest())
	gw2, _ := grad.Param("fc2.weight").Dense()
	gw2.Mul(dz.T(), pass.h)
	columnSums(dz, grad.Param("fc2.bias").Data)

	var dh mat.Dense
	dh.Mul(dz, pass.w2)
	dh.Apply(func(i, j int, v float64) float64 {
		if pass.h.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &dh)

	gw1, _ := grad.Param("fc1.weight").Dense()
	gw1.Mul(dh.T(), pass.x)
	columnSums(&dh, grad.Param("fc1.bias").Data)
	return grad, loss, nil
}
