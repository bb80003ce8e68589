package nn

import (
	"math"
	"math/rand"
	"strings"

	"github.com/Lekssays/flpoison/dataset"
	"github.com/Lekssays/flpoison/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var ErrUnknownArchitecture = errors.New("unknown architecture")

// Architecture is a trainable classifier over model.Model parameters. Output
// rows are log-probabilities over the classes.
type Architecture interface {
	Name() string
	Init(rng *rand.Rand) *model.Model
	LogProbs(m *model.Model, batch dataset.Dataset) (*mat.Dense, error)
	// Gradient returns the gradient of the mean NLL loss over batch with the
	// same manifest as m, and the loss itself.
	Gradient(m *model.Model, batch dataset.Dataset) (*model.Model, float64, error)
}

func ByName(name string, features int, hidden int, classes int) (Architecture, error) {
	switch strings.ToLower(name) {
	case "linear", "softmax":
		return &Linear{Features: features, Classes: classes}, nil
	case "mlp":
		return &MLP{Features: features, Hidden: hidden, Classes: classes}, nil
	}
	return nil, errors.Wrapf(ErrUnknownArchitecture, "%q", name)
}

// Predict returns the arg-max class of every row of logProbs.
func Predict(logProbs *mat.Dense) []int {
	rows, _ := logProbs.Dims()
	pred := make([]int, rows)
	for i := range pred {
		pred[i] = Argmax(logProbs.RawRowView(i))
	}
	return pred
}

// NLL returns the per-sample negative log-likelihood of the true labels.
func NLL(logProbs *mat.Dense, batch dataset.Dataset) []float64 {
	out := make([]float64, len(batch))
	for i, s := range batch {
		out[i] = -logProbs.At(i, s.Label)
	}
	return out
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(row []float64) int {
	best := 0
	for j := range row {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

func inputs(batch dataset.Dataset, features int) (*mat.Dense, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}
	x := mat.NewDense(len(batch), features, nil)
	for i, s := range batch {
		if len(s.Features) != features {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "sample %d has %d features, want %d", i, len(s.Features), features)
		}
		x.SetRow(i, s.Features)
	}
	return x, nil
}

func checkLabels(batch dataset.Dataset, classes int) error {
	for i, s := range batch {
		if s.Label < 0 || s.Label >= classes {
			return errors.Errorf("sample %d has label %d outside [0, %d)", i, s.Label, classes)
		}
	}
	return nil
}

func param(m *model.Model, name string, shape ...int) (*mat.Dense, error) {
	t := m.Param(name)
	if t == nil {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "missing tensor %s", name)
	}
	if len(t.Shape) != len(shape) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "tensor %s%v, want %v", name, t.Shape, shape)
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "tensor %s%v, want %v", name, t.Shape, shape)
		}
	}
	return t.Dense()
}

// affine computes x*w^T + b for w of shape [out, in] and b of shape [out].
func affine(x *mat.Dense, w *mat.Dense, b *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	out, _ := w.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, w.T())
	bias := b.RawMatrix().Data
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return y
}

// logSoftmax replaces every row of z with its log-softmax in place.
func logSoftmax(z *mat.Dense) {
	rows, _ := z.Dims()
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		max := row[Argmax(row)]
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - max)
		}
		lse := max + math.Log(sum)
		for j := range row {
			row[j] -= lse
		}
	}
}

// outputGrad turns log-probabilities into d(mean NLL)/d(logits) and returns
// the mean NLL.
func outputGrad(logProbs *mat.Dense, batch dataset.Dataset) (*mat.Dense, float64) {
	rows, cols := logProbs.Dims()
	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	n := float64(rows)
	for i, s := range batch {
		lp := logProbs.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range lp {
			g[j] = math.Exp(lp[j]) / n
		}
		g[s.Label] -= 1 / n
		loss -= lp[s.Label]
	}
	return grad, loss / n
}

func columnSums(m *mat.Dense, dst []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		for j, v := range m.RawRowView(i) {
			dst[j] += v
		}
	}
}

func uniform(t model.Tensor, bound float64, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}
