package dataset

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// LoadNumpy reads a float64 feature matrix of shape [N, F] and a label
// vector of length N from two .npy files.
func LoadNumpy(featuresPath string, labelsPath string) (Dataset, error) {
	features, err := readMatrix(featuresPath)
	if err != nil {
		return nil, err
	}
	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, err
	}

	rows, cols := features.Dims()
	if rows != len(labels) {
		return nil, errors.Errorf("%s has %d rows but %s has %d labels", featuresPath, rows, labelsPath, len(labels))
	}
	data := make(Dataset, rows)
	for i := range data {
		data[i] = Sample{
			Features: mat.Row(make([]float64, cols), i, features),
			Label:    labels[i],
		}
	}
	return data, nil
}

func readMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return &m, nil
}

func readLabels(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	var labels []int
	switch r.Header.Descr.Type {
	case "|u1", "u1":
		var raw []uint8
		err = r.Read(&raw)
		for _, v := range raw {
			labels = append(labels, int(v))
		}
	case "<i4", "i4":
		var raw []int32
		err = r.Read(&raw)
		for _, v := range raw {
			labels = append(labels, int(v))
		}
	default:
		var raw []int64
		err = r.Read(&raw)
		for _, v := range raw {
			labels = append(labels, int(v))
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return labels, nil
}
