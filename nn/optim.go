package nn

import (
	"math"
	"strings"

	"github.com/Lekssays/flpoison/model"
	"github.com/pkg/errors"
)

var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer updates parameters in place from a gradient with the same
// manifest. Weight decay is added to the gradient before the update.
type Optimizer interface {
	Step(params *model.Model, grad *model.Model)
}

func NewOptimizer(name string, learningRate float64, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return &SGD{LearningRate: learningRate, WeightDecay: weightDecay}, nil
	case "adam", "":
		return NewAdam(learningRate, weightDecay), nil
	}
	return nil, errors.Wrapf(ErrUnknownOptimizer, "%q", name)
}

type SGD struct {
	LearningRate float64
	WeightDecay  float64
}

func (o *SGD) Step(params *model.Model, grad *model.Model) {
	for i := range params.Params {
		p := params.Params[i].Data
		g := grad.Params[i].Data
		for j := range p {
			p[j] -= o.LearningRate * (g[j] + o.WeightDecay*p[j])
		}
	}
}

type Adam struct {
	LearningRate float64
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(learningRate float64, weightDecay float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		WeightDecay:  weightDecay,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

func (o *Adam) Step(params *model.Model, grad *model.Model) {
	if o.m == nil {
		o.m = make([][]float64, len(params.Params))
		o.v = make([][]float64, len(params.Params))
		for i, t := range params.Params {
			o.m[i] = make([]float64, len(t.Data))
			o.v[i] = make([]float64, len(t.Data))
		}
	}
	o.step++
	correction1 := 1 - math.Pow(o.Beta1, float64(o.step))
	correction2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for i := range params.Params {
		p := params.Params[i].Data
		g := grad.Params[i].Data
		m, v := o.m[i], o.v[i]
		for j := range p {
			gj := g[j] + o.WeightDecay*p[j]
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*gj
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*gj*gj
			p[j] -= o.LearningRate * (m[j] / correction1) / (math.Sqrt(v[j]/correction2) + o.Epsilon)
		}
	}
}
