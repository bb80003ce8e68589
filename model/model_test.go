package model

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModel(offset float64) *Model {
	w := NewTensor("fc.weight", 2, 3)
	b := NewTensor("fc.bias", 2)
	for i := range w.Data {
		w.Data[i] = offset + float64(i)
	}
	for i := range b.Data {
		b.Data[i] = offset - float64(i)
	}
	return &Model{Params: []Tensor{w, b}}
}

func TestFlattenOrder(t *testing.T) {
	m := sampleModel(1)
	vector, manifest := Flatten(m)

	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 1, 0}, vector)
	require.Len(t, manifest, 2)
	assert.Equal(t, "fc.weight", manifest[0].Name)
	assert.Equal(t, []int{2, 3}, manifest[0].Shape)
	assert.Equal(t, 8, manifest.Size())
}

func TestUnflattenRoundTrip(t *testing.T) {
	src := sampleModel(10)
	dst := sampleModel(-5)
	before := src.Clone()
	dstBefore := dst.Clone()

	vector, manifest := Flatten(src)
	out, err := Unflatten(vector, manifest, dst)
	require.NoError(t, err)

	assert.Equal(t, src.Params, out.Params)
	assert.Equal(t, before.Params, src.Params, "source model must be untouched")
	assert.Equal(t, dstBefore.Params, dst.Params, "target model must be copied, not mutated")

	out.Params[0].Data[0] = 999
	assert.NotEqual(t, 999.0, src.Params[0].Data[0])
	assert.NotEqual(t, 999.0, vector[0])
}

func TestUnflattenLoadsByPosition(t *testing.T) {
	src := sampleModel(1)
	vector, manifest := Flatten(src)

	renamed := sampleModel(0)
	renamed.Params[0].Name = "layer.w"
	renamed.Params[1].Name = "layer.b"

	out, err := Unflatten(vector, manifest, renamed)
	require.NoError(t, err)
	assert.Equal(t, src.Params[0].Data, out.Params[0].Data)
	assert.Equal(t, "layer.w", out.Params[0].Name)
}

func TestUnflattenShapeMismatch(t *testing.T) {
	src := sampleModel(1)
	vector, manifest := Flatten(src)

	t.Run("vector length", func(t *testing.T) {
		_, err := Unflatten(vector[:5], manifest, src)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("tensor count", func(t *testing.T) {
		target := &Model{Params: []Tensor{NewTensor("w", 8)}}
		_, err := Unflatten(vector, manifest, target)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("transposed tensor", func(t *testing.T) {
		target := &Model{Params: []Tensor{NewTensor("fc.weight", 1, 3)}}
		_, err := Unflatten([]float64{1, 2, 3}, Manifest{{Name: "fc.weight", Shape: []int{3, 1}}}, target)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
		assert.Equal(t, []int{1, 3}, target.Params[0].Shape)
	})

	t.Run("negative dimensions", func(t *testing.T) {
		target := &Model{Params: []Tensor{NewTensor("fc.weight", 1, 3)}}
		_, err := Unflatten([]float64{1, 2, 3}, Manifest{{Name: "fc.weight", Shape: []int{-1, -3}}}, target)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("tensor size", func(t *testing.T) {
		target := &Model{Params: []Tensor{NewTensor("w", 3, 2, 1), NewTensor("b", 3)}}
		_, err := Unflatten(vector, manifest, target)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
}

func TestSubAdd(t *testing.T) {
	a := sampleModel(3)
	b := sampleModel(1)

	delta, err := Sub(a, b)
	require.NoError(t, err)
	for _, p := range delta.Params {
		for _, v := range p.Data {
			assert.Equal(t, 2.0, v)
		}
	}

	back, err := Add(b, delta)
	require.NoError(t, err)
	assert.Equal(t, a.Params, back.Params)

	other := &Model{Params: []Tensor{NewTensor("fc.weight", 3, 2), NewTensor("fc.bias", 2)}}
	_, err = Sub(a, other)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestNumpyRoundTrip(t *testing.T) {
	vector, _ := Flatten(sampleModel(0.5))

	var buf bytes.Buffer
	require.NoError(t, WriteNumpy(&buf, vector))

	got, err := ReadNumpy(&buf)
	require.NoError(t, err)
	assert.Equal(t, vector, got)
}

func TestDenseSharesBacking(t *testing.T) {
	m := sampleModel(0)
	d, err := m.Params[0].Dense()
	require.NoError(t, err)
	d.Set(1, 2, 42)
	assert.Equal(t, 42.0, m.Params[0].Data[5])

	_, err = NewTensor("conv", 1, 1, 3, 3).Dense()
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
