package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

var ErrInvalidPartition = errors.New("invalid partition")

type Sample struct {
	Features []float64
	Label    int
}

// Dataset is an ordered list of labelled samples.
type Dataset []Sample

// Clone copies the sample headers. Feature slices are shared because nothing
// in the simulator writes to them after loading.
func (d Dataset) Clone() Dataset {
	return append(Dataset(nil), d...)
}

func (d Dataset) CountLabels() map[int]int {
	counts := make(map[int]int)
	for _, s := range d {
		counts[s.Label]++
	}
	return counts
}

func (d Dataset) Features() int {
	if len(d) == 0 {
		return 0
	}
	return len(d[0].Features)
}

// Split shuffles data and deals it into n equal shards. The remainder that
// does not divide evenly is dropped.
func Split(data Dataset, n int, rng *rand.Rand) ([]Dataset, error) {
	if n <= 0 || n > len(data) {
		return nil, errors.Wrapf(ErrInvalidPartition, "%d shards from %d samples", n, len(data))
	}
	perm := rng.Perm(len(data))
	size := len(data) / n
	shards := make([]Dataset, n)
	for i := range shards {
		shard := make(Dataset, size)
		for j := range shard {
			shard[j] = data[perm[i*size+j]]
		}
		shards[i] = shard
	}
	return shards, nil
}

// SplitLabelWise groups samples by label, preserving their order. The result
// is indexed by label from 0 to classes-1.
func SplitLabelWise(data Dataset, classes int) []Dataset {
	groups := make([]Dataset, classes)
	for i := range groups {
		groups[i] = Dataset{}
	}
	for _, s := range data {
		if s.Label >= 0 && s.Label < classes {
			groups[s.Label] = append(groups[s.Label], s)
		}
	}
	return groups
}
