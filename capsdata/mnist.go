// Package capsdata converts image datasets into samples
// for capsule networks.
package capsdata

import (
	"github.com/unixpickle/anycaps/capsnet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/mnist"
)

// NumDigits is the number of MNIST classes.
const NumDigits = 10

// MNISTSamples converts an MNIST dataset into samples
// with one-hot labels.
func MNISTSamples(c anyvec.Creator, ds mnist.DataSet) capsnet.SliceSampleList {
	res := make(capsnet.SliceSampleList, len(ds.Samples))
	for i, sample := range ds.Samples {
		res[i] = &capsnet.Sample{
			Image:  makeVector(c, sample.Intensities),
			Labels: []anyvec.Vector{oneHot(c, NumDigits, sample.Label)},
		}
	}
	return res
}

func makeVector(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

func oneHot(c anyvec.Creator, size, idx int) anyvec.Vector {
	data := make([]float64, size)
	data[idx] = 1
	return makeVector(c, data)
}
