package capsdata

import (
	"math/rand"
	"sync"

	"github.com/unixpickle/anycaps/capsnet"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// An Augmenter randomly translates images.
//
// It is safe to use an Augmenter from multiple
// goroutines.
type Augmenter struct {
	// Rand is the source of shifts.
	// If it is nil, the global source is used.
	Rand *rand.Rand

	// MaxShift is the maximum number of pixels to move an
	// image along each axis.
	MaxShift int

	lock sync.Mutex
}

// Shift translates a row-major depth-minor image by a
// random offset in [-MaxShift, MaxShift] along each axis.
// Uncovered pixels are zero.
func (a *Augmenter) Shift(img []float64, width, height, depth int) []float64 {
	dx, dy := a.offset(), a.offset()
	return Translate(img, width, height, depth, dx, dy)
}

func (a *Augmenter) offset() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := 2*a.MaxShift + 1
	if a.Rand == nil {
		return rand.Intn(n) - a.MaxShift
	}
	return a.Rand.Intn(n) - a.MaxShift
}

// Translate moves an image dx pixels right and dy pixels
// down, filling the uncovered pixels with zeros.
func Translate(img []float64, width, height, depth, dx, dy int) []float64 {
	res := make([]float64, len(img))
	for y := 0; y < height; y++ {
		srcY := y - dy
		if srcY < 0 || srcY >= height {
			continue
		}
		for x := 0; x < width; x++ {
			srcX := x - dx
			if srcX < 0 || srcX >= width {
				continue
			}
			dst := (y*width + x) * depth
			src := (srcY*width + srcX) * depth
			copy(res[dst:dst+depth], img[src:src+depth])
		}
	}
	return res
}

// Pad surrounds an image with pad rows and columns of
// zeros on every side.
func Pad(img []float64, width, height, depth, pad int) []float64 {
	newWidth := width + 2*pad
	res := make([]float64, newWidth*(height+2*pad)*depth)
	for y := 0; y < height; y++ {
		src := y * width * depth
		dst := ((y+pad)*newWidth + pad) * depth
		copy(res[dst:dst+width*depth], img[src:src+width*depth])
	}
	return res
}

// AugmentedList is a capsnet.SampleList which shifts every
// image when it is fetched.
//
// The shifted image is also the reconstruction target.
type AugmentedList struct {
	Samples   capsnet.SliceSampleList
	Augmenter *Augmenter

	Width  int
	Height int
	Depth  int
}

// Len returns the number of samples.
func (a *AugmentedList) Len() int {
	return len(a.Samples)
}

// Swap swaps two samples.
func (a *AugmentedList) Swap(i, j int) {
	a.Samples.Swap(i, j)
}

// Slice copies a sub-slice of the list.
func (a *AugmentedList) Slice(i, j int) anysgd.SampleList {
	res := *a
	res.Samples = a.Samples.Slice(i, j).(capsnet.SliceSampleList)
	return &res
}

// GetSample returns a shifted copy of a sample.
func (a *AugmentedList) GetSample(idx int) (*capsnet.Sample, error) {
	sample := a.Samples[idx]
	data, err := vectorData(sample.Image)
	if err != nil {
		return nil, essentials.AddCtx("augment sample", err)
	}
	c := sample.Image.Creator()
	shifted := makeVector(c, a.Augmenter.Shift(data, a.Width, a.Height, a.Depth))
	return &capsnet.Sample{
		Image:  shifted,
		Labels: sample.Labels,
	}, nil
}

func vectorData(v anyvec.Vector) ([]float64, error) {
	switch data := v.Data().(type) {
	case []float64:
		return data, nil
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res, nil
	default:
		return nil, errUnsupportedNumeric
	}
}
