package similarity

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicOps(t *testing.T) {
	a := []float64{3, 4}
	b := []float64{4, 3}

	assert.InDelta(t, 5.0, Norm(a), 1e-12)
	assert.InDelta(t, 24.0, Dot(a, b), 1e-12)
	assert.InDelta(t, 24.0/25.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float64{-3, -4}), 1e-9)
}

func TestCosineZeroVector(t *testing.T) {
	cs := CosineSimilarity([]float64{0, 0, 0}, []float64{1, 2, 3})
	assert.False(t, math.IsNaN(cs))
	assert.Equal(t, 0.0, cs)
}

func TestMatrixAndAlignment(t *testing.T) {
	vectors := [][]float64{
		{1, 0},
		{1, 0.0001},
		{0, 1},
	}
	csMatrix := Matrix(vectors)

	require.Len(t, csMatrix, 3)
	for i := range csMatrix {
		assert.Equal(t, 0.0, csMatrix[i][i])
		for j := range csMatrix {
			assert.Equal(t, csMatrix[i][j], csMatrix[j][i])
		}
	}
	assert.InDelta(t, 1.0, csMatrix[0][1], 1e-6)
	assert.InDelta(t, 0.0, csMatrix[0][2], 1e-9)

	algn := Alignment(csMatrix)
	assert.InDelta(t, 1.0, algn[0], 1e-6)
	assert.InDelta(t, 1.0, algn[1], 1e-6)
	assert.InDelta(t, 0.0001, algn[2], 1e-6)
}

func TestCoordAdapterMatchesRecomputation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := 50
	base := make([]float64, n)
	client := make([]float64, n)
	for i := 0; i < n; i++ {
		base[i] = rng.NormFloat64()
		client[i] = base[i] + 0.3*rng.NormFloat64()
	}

	adapter := NewCoordAdapter(client, base, client)
	assert.InDelta(t, 1.0, adapter.CosineToClient(), 1e-9)

	for step := 0; step < 200; step++ {
		i := rng.Intn(n)
		value := rng.NormFloat64() * 3

		peek := adapter.Peek(i, value)
		adapter.Set(i, value)
		p := adapter.Vector()

		assert.InDelta(t, CosineSimilarity(p, base), peek, 1e-9)
		assert.InDelta(t, CosineSimilarity(p, base), adapter.CosineToBase(), 1e-9)
		assert.InDelta(t, CosineSimilarity(p, client), adapter.CosineToClient(), 1e-9)
		assert.InDelta(t, Norm(p), adapter.Norm(), 1e-9)
	}
	assert.Equal(t, 200, adapter.Edited())
}

func TestCoordAdapterDoesNotAlias(t *testing.T) {
	p := []float64{1, 2, 3}
	adapter := NewCoordAdapter(p, []float64{1, 1, 1}, p)
	adapter.Set(0, 10)
	assert.Equal(t, 1.0, p[0])
	assert.Equal(t, 10.0, adapter.Value(0))
}
