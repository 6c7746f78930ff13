package capsdata

import (
	"errors"
	"math"
	"math/rand"

	"github.com/unixpickle/anycaps/capsnet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/mnist"
)

var errUnsupportedNumeric = errors.New("unsupported numeric type")

// MultiSamples builds n images which each overlay two
// MNIST digits with different labels.
//
// Every digit is padded by maxShift pixels on each side
// and shifted independently by up to maxShift pixels, so
// the resulting images have sides of 28+2*maxShift.
// The overlaid image is clipped to [0, 1].
// The per-digit images are the reconstruction targets.
//
// If r is nil, the global source is used.
func MultiSamples(c anyvec.Creator, ds mnist.DataSet, n, maxShift int,
	r *rand.Rand) (capsnet.SliceSampleList, error) {
	if !hasTwoLabels(ds) {
		return nil, errors.New("multi samples: need digits with two different labels")
	}
	if r == nil {
		r = rand.New(rand.NewSource(rand.Int63()))
	}
	aug := &Augmenter{Rand: r, MaxShift: maxShift}
	width, height := ds.Width+2*maxShift, ds.Height+2*maxShift

	res := make(capsnet.SliceSampleList, 0, n)
	for len(res) < n {
		base := ds.Samples[r.Intn(len(ds.Samples))]
		top := ds.Samples[r.Intn(len(ds.Samples))]
		if base.Label == top.Label {
			continue
		}
		baseImg := aug.Shift(Pad(base.Intensities, ds.Width, ds.Height, 1, maxShift),
			width, height, 1)
		topImg := aug.Shift(Pad(top.Intensities, ds.Width, ds.Height, 1, maxShift),
			width, height, 1)
		merged := make([]float64, len(baseImg))
		for i, x := range baseImg {
			merged[i] = math.Min(1, math.Max(0, x+topImg[i]))
		}
		res = append(res, &capsnet.Sample{
			Image: makeVector(c, merged),
			Labels: []anyvec.Vector{
				oneHot(c, NumDigits, base.Label),
				oneHot(c, NumDigits, top.Label),
			},
			Targets: []anyvec.Vector{makeVector(c, baseImg), makeVector(c, topImg)},
		})
	}
	return res, nil
}

func hasTwoLabels(ds mnist.DataSet) bool {
	if len(ds.Samples) == 0 {
		return false
	}
	for _, sample := range ds.Samples[1:] {
		if sample.Label != ds.Samples[0].Label {
			return true
		}
	}
	return false
}
