package similarity

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// EPSILON keeps the cosine denominator positive when a vector is all zeros.
const EPSILON = 1e-9

func Norm(v []float64) float64 {
	return floats.Norm(v, 2)
}

func Dot(a []float64, b []float64) float64 {
	return floats.Dot(a, b)
}

// CosineSimilarity returns the cosine similarity of two vectors of equal length.
func CosineSimilarity(a []float64, b []float64) float64 {
	return cosine(Dot(a, b), Norm(a), Norm(b))
}

func cosine(dot, normA, normB float64) float64 {
	return dot / (normA*normB + EPSILON)
}

// Matrix returns the pairwise cosine similarity of vectors. The diagonal is
// left at zero so row maxima only consider other clients.
func Matrix(vectors [][]float64) [][]float64 {
	n := len(vectors)
	norms := make([]float64, n)
	for i, v := range vectors {
		norms[i] = Norm(v)
	}

	csMatrix := make([][]float64, n)
	for i := range csMatrix {
		csMatrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			cs := cosine(Dot(vectors[i], vectors[j]), norms[i], norms[j])
			if cs > 1.0 {
				cs = 1.0
			}
			csMatrix[i][j] = cs
			csMatrix[j][i] = cs
		}
	}
	return csMatrix
}

// Alignment returns, for every row of a similarity matrix, the highest
// similarity to any other client.
func Alignment(csMatrix [][]float64) []float64 {
	algnScore := make([]float64, len(csMatrix))
	for i := range csMatrix {
		algnScore[i] = getMax(csMatrix[i], i)
	}
	return algnScore
}

func getMax(a []float64, skip int) float64 {
	max := math.Inf(-1)
	for i := 0; i < len(a); i++ {
		if i != skip && a[i] >= max {
			max = a[i]
		}
	}
	if math.IsInf(max, -1) {
		return 0
	}
	return max
}
