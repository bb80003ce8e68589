package model

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a named parameter with a fixed shape. Data is stored row-major.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Model is an ordered collection of parameter tensors. The order is the
// enumeration order used by Flatten and Unflatten.
type Model struct {
	Params []Tensor
}

func NewTensor(name string, shape ...int) Tensor {
	return Tensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, elements(shape)),
	}
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the number of scalars held by the tensor according to its shape.
func (t Tensor) Size() int {
	return elements(t.Shape)
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:  t.Name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Dense views a 1-D or 2-D tensor as a gonum matrix sharing the tensor's
// backing array. Vectors are viewed as a single column.
func (t Tensor) Dense() (*mat.Dense, error) {
	switch len(t.Shape) {
	case 1:
		return mat.NewDense(t.Shape[0], 1, t.Data), nil
	case 2:
		return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
	}
	return nil, errors.Wrapf(ErrShapeMismatch, "tensor %s has rank %d", t.Name, len(t.Shape))
}

func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	out := &Model{Params: make([]Tensor, len(m.Params))}
	for i, p := range m.Params {
		out.Params[i] = p.Clone()
	}
	return out
}

// Param returns the tensor with the given name, or nil.
func (m *Model) Param(name string) *Tensor {
	for i := range m.Params {
		if m.Params[i].Name == name {
			return &m.Params[i]
		}
	}
	return nil
}

// Size returns the total number of scalars across all tensors.
func (m *Model) Size() int {
	n := 0
	for _, p := range m.Params {
		n += p.Size()
	}
	return n
}

func (m *Model) Manifest() Manifest {
	manifest := make(Manifest, len(m.Params))
	for i, p := range m.Params {
		manifest[i] = ShapeEntry{Name: p.Name, Shape: append([]int(nil), p.Shape...)}
	}
	return manifest
}

func (m *Model) String() string {
	return fmt.Sprintf("Model%v", m.Manifest())
}

// Zeros builds a model of zero-valued tensors following manifest.
func Zeros(manifest Manifest) *Model {
	out := &Model{Params: make([]Tensor, len(manifest))}
	for i, e := range manifest {
		out.Params[i] = NewTensor(e.Name, e.Shape...)
	}
	return out
}

// Sub returns a - b element-wise. Both models must share a manifest.
func Sub(a, b *Model) (*Model, error) {
	return combine(a, b, func(x, y float64) float64 { return x - y })
}

// Add returns a + b element-wise. Both models must share a manifest.
func Add(a, b *Model) (*Model, error) {
	return combine(a, b, func(x, y float64) float64 { return x + y })
}

func combine(a, b *Model, op func(x, y float64) float64) (*Model, error) {
	if err := Compatible(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	for i := range out.Params {
		dst := out.Params[i].Data
		src := b.Params[i].Data
		for j := range dst {
			dst[j] = op(dst[j], src[j])
		}
	}
	return out, nil
}

// Compatible reports ErrShapeMismatch when two models do not share an
// architecture.
func Compatible(a, b *Model) error {
	if a == nil || b == nil {
		return errors.Wrap(ErrShapeMismatch, "nil model")
	}
	ma, mb := a.Manifest(), b.Manifest()
	if !ma.Equal(mb) {
		return errors.Wrapf(ErrShapeMismatch, "%v vs %v", ma, mb)
	}
	return nil
}
