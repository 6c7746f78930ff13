package capsnet

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

const defaultReconWeight = 0.392

// A Sample is a labeled training image.
type Sample struct {
	Image anyvec.Vector

	// Labels contains one one-hot vector per object in the
	// image.
	Labels []anyvec.Vector

	// Targets contains one reconstruction target per
	// object.
	// If it is empty, the image itself is the target of
	// the only object.
	Targets []anyvec.Vector
}

// A SampleList is an anysgd.SampleList whose elements
// are capsule network samples.
//
// GetSample may be called from several goroutines at
// once, so it must not mutate shared state without
// synchronization.
type SampleList interface {
	anysgd.SampleList

	GetSample(idx int) (*Sample, error)
}

// SliceSampleList is a SampleList backed by samples that
// are already in memory.
type SliceSampleList []*Sample

// Len returns the number of samples.
func (s SliceSampleList) Len() int {
	return len(s)
}

// Swap exchanges two samples in place.
func (s SliceSampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice returns an independent list holding samples i
// through j-1, so shuffling the result does not reorder s.
func (s SliceSampleList) Slice(i, j int) anysgd.SampleList {
	return append(SliceSampleList{}, s[i:j]...)
}

// GetSample returns the sample at the index.
func (s SliceSampleList) GetSample(idx int) (*Sample, error) {
	return s[idx], nil
}

// A Batch stores packed images, labels, and
// reconstruction targets.
type Batch struct {
	Images *anydiff.Const

	// Labels and Targets have one entry per object.
	Labels  []*anydiff.Const
	Targets []*anydiff.Const

	Num int
}

// LabelSum returns the sum of the per-object labels,
// which is the target for the capsule lengths.
func (b *Batch) LabelSum() anydiff.Res {
	var res anydiff.Res = b.Labels[0]
	for _, l := range b.Labels[1:] {
		res = anydiff.Add(res, l)
	}
	return res
}

// A Trainer can construct batches, compute gradients, and
// tally up costs for a Model.
//
// The cost is the margin loss on the capsule lengths plus
// ReconWeight times the mean squared reconstruction
// error, averaged over the batch.
// For models with two objects per image, each
// reconstruction is weighted by half of ReconWeight.
type Trainer struct {
	Model  *Model
	Params []*anydiff.Var

	Margin anycaps.MarginLoss

	// ReconWeight scales the reconstruction cost.
	// If it is 0, a default of 0.392 is used.
	// If it is negative, reconstructions are ignored.
	ReconWeight float64

	// After every gradient computation, LastCost is set to
	// the cost from the batch.
	LastCost anyvec.Numeric

	// MaxGos specifies the maximum goroutines to use
	// simultaneously for fetching samples.
	// If it is 0, GOMAXPROCS is used.
	MaxGos int
}

// Fetch loads the samples in s and packs them into a
// *Batch.
//
// The s argument must implement SampleList and may not be
// empty.
// Every sample must carry one label per object, and either
// one target per object or (for single-object models) no
// targets at all.
func (t *Trainer) Fetch(s anysgd.SampleList) (anysgd.Batch, error) {
	l, ok := s.(SampleList)
	if !ok {
		return nil, fmt.Errorf("fetch batch: unsupported sample list: %T", s)
	} else if l.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	samples, err := loadSamples(l, t.maxGos())
	if err != nil {
		return nil, essentials.AddCtx("fetch batch", err)
	}
	return t.pack(samples)
}

// TotalCost computes the average cost for the *Batch.
func (t *Trainer) TotalCost(batch anysgd.Batch) anydiff.Res {
	b := batch.(*Batch)
	in := &Inputs{Images: b.Images, Labels: b.Labels[0]}
	if len(b.Labels) > 1 {
		in.Labels2 = b.Labels[1]
	}
	caps := t.Model.Capsules(b.Images, b.Num)
	return anydiff.Pool(caps, func(caps anydiff.Res) anydiff.Res {
		out, err := t.Model.Decode(Train, caps, in, b.Num)
		if err != nil {
			panic(err)
		}
		c := caps.Output().Creator()
		cost := anydiff.Sum(t.Margin.Cost(b.LabelSum(), out.Lengths, b.Num))
		if weight := t.reconWeight(); weight > 0 {
			weight /= float64(len(out.Reconstructions))
			for i, recon := range out.Reconstructions {
				mse := anydiff.Sum(anynet.MSE{}.Cost(b.Targets[i], recon, b.Num))
				cost = anydiff.Add(cost, anydiff.Scale(mse, c.MakeNumeric(weight)))
			}
		}
		return anydiff.Scale(cost, c.MakeNumeric(1/float64(b.Num)))
	})
}

// Gradient computes the gradient for the batch's cost.
// It also sets t.LastCost to the numerical value of the
// cost.
//
// The b argument must be a *Batch.
func (t *Trainer) Gradient(b anysgd.Batch) anydiff.Grad {
	res := anydiff.NewGrad(t.Params...)

	cost := t.TotalCost(b)
	t.LastCost = anyvec.Sum(cost.Output())

	c := cost.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{1}))
	cost.Propagate(upstream, res)

	return res
}

// Accuracy evaluates the model on the batch in Test mode.
//
// For single-object models, this is the fraction of
// examples where the longest capsule is the labeled one.
// For two-object models, it is the overlap between the
// two longest capsules and the two labels.
func (t *Trainer) Accuracy(batch anysgd.Batch) float64 {
	b := batch.(*Batch)
	lengths := anycaps.CapsuleLengths(t.Model.Capsules(b.Images, b.Num), t.Model.CapsDim)
	labels := b.LabelSum().Output()
	if t.Model.Double {
		return anycaps.MultiAccuracy(lengths.Output(), labels, b.Num)
	}
	return anycaps.Accuracy(lengths.Output(), labels, b.Num)
}

func (t *Trainer) pack(samples []*Sample) (*Batch, error) {
	numObjects := 1
	if t.Model.Double {
		numObjects = 2
	}
	images := make([]anyvec.Vector, len(samples))
	labels := make([][]anyvec.Vector, numObjects)
	targets := make([][]anyvec.Vector, numObjects)
	for i, sample := range samples {
		if len(sample.Labels) != numObjects {
			return nil, fmt.Errorf("fetch batch: sample %d has %d labels (expected %d)", i,
				len(sample.Labels), numObjects)
		}
		images[i] = sample.Image
		for j, label := range sample.Labels {
			labels[j] = append(labels[j], label)
		}
		if len(sample.Targets) == 0 && numObjects == 1 {
			targets[0] = append(targets[0], sample.Image)
		} else if len(sample.Targets) == numObjects {
			for j, target := range sample.Targets {
				targets[j] = append(targets[j], target)
			}
		} else {
			return nil, fmt.Errorf("fetch batch: sample %d has %d targets (expected %d)", i,
				len(sample.Targets), numObjects)
		}
	}

	c := images[0].Creator()
	res := &Batch{
		Images: anydiff.NewConst(c.Concat(images...)),
		Num:    len(samples),
	}
	for j := 0; j < numObjects; j++ {
		res.Labels = append(res.Labels, anydiff.NewConst(c.Concat(labels[j]...)))
		res.Targets = append(res.Targets, anydiff.NewConst(c.Concat(targets[j]...)))
	}
	return res, nil
}

func (t *Trainer) maxGos() int {
	if t.MaxGos > 0 {
		return t.MaxGos
	}
	return runtime.GOMAXPROCS(0)
}

// loadSamples reads every sample of l, splitting the
// indices between at most numWorkers goroutines.
// Worker k loads indices k, k+numWorkers, and so on.
func loadSamples(l SampleList, numWorkers int) ([]*Sample, error) {
	if numWorkers > l.Len() {
		numWorkers = l.Len()
	}
	samples := make([]*Sample, l.Len())
	errs := make([]error, numWorkers)

	var wg sync.WaitGroup
	for k := 0; k < numWorkers; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for idx := k; idx < len(samples); idx += numWorkers {
				sample, err := l.GetSample(idx)
				if err != nil {
					errs[k] = fmt.Errorf("sample %d: %v", idx, err)
					return
				}
				samples[idx] = sample
			}
		}(k)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return samples, nil
}

func (t *Trainer) reconWeight() float64 {
	if t.ReconWeight == 0 {
		return defaultReconWeight
	}
	return t.ReconWeight
}

// ExpRater is an anysgd.Rater which decays the learning
// rate exponentially once per epoch.
type ExpRater struct {
	Rate0 float64
	Decay float64
}

// Rate returns Rate0*Decay^floor(epoch).
func (e *ExpRater) Rate(epoch float64) float64 {
	return e.Rate0 * math.Pow(e.Decay, math.Floor(epoch))
}
