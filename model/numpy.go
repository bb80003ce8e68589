package model

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
)

// WriteNumpy writes a flat vector as a 1-D float64 .npy array.
func WriteNumpy(w io.Writer, vector []float64) error {
	return errors.Wrap(npyio.Write(w, vector), "write npy")
}

func ReadNumpy(r io.Reader) ([]float64, error) {
	var vector []float64
	if err := npyio.Read(r, &vector); err != nil {
		return nil, errors.Wrap(err, "read npy")
	}
	return vector, nil
}
