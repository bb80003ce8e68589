package dataset

import "math/rand"

// Loader batches a dataset for training or evaluation.
type Loader struct {
	Data      Dataset
	BatchSize int
	Shuffle   bool
}

func NewLoader(data Dataset, batchSize int, shuffle bool) *Loader {
	if batchSize <= 0 {
		batchSize = len(data)
	}
	return &Loader{
		Data:      data,
		BatchSize: batchSize,
		Shuffle:   shuffle,
	}
}

func (l *Loader) Len() int {
	return len(l.Data)
}

// Batches returns one epoch of mini-batches. When Shuffle is set the order
// is drawn from rng, which may be nil otherwise.
func (l *Loader) Batches(rng *rand.Rand) []Dataset {
	n := len(l.Data)
	if n == 0 {
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.Shuffle && rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	size := l.BatchSize
	if size <= 0 || size > n {
		size = n
	}
	batches := make([]Dataset, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batch := make(Dataset, end-start)
		for i := range batch {
			batch[i] = l.Data[order[start+i]]
		}
		batches = append(batches, batch)
	}
	return batches
}
