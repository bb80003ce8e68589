package dataset

import "math/rand"

// Synthetic draws Gaussian blobs, one per class, around centres spaced on
// the feature axes.
type Synthetic struct {
	Features int
	Classes  int
	Spread   float64
}

func (s Synthetic) centre(label int) []float64 {
	c := make([]float64, s.Features)
	c[label%s.Features] = 3
	if label >= s.Features {
		c[(label+1)%s.Features] = -3
	}
	return c
}

// Generate returns n samples with labels cycling through the classes.
func (s Synthetic) Generate(n int, rng *rand.Rand) Dataset {
	centres := make([][]float64, s.Classes)
	for label := range centres {
		centres[label] = s.centre(label)
	}
	data := make(Dataset, n)
	for i := range data {
		label := i % s.Classes
		x := make([]float64, s.Features)
		for j := range x {
			x[j] = centres[label][j] + rng.NormFloat64()*s.Spread
		}
		data[i] = Sample{Features: x, Label: label}
	}
	rng.Shuffle(n, func(i, j int) { data[i], data[j] = data[j], data[i] })
	return data
}
