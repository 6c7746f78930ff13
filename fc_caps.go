package anycaps

import (
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FCCaps
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFCCaps)
}

// FCCaps is a fully-connected capsule layer which routes
// its inputs with a single pass of self-attention.
//
// Every child capsule casts a vote for every parent.
// A vote's weight comes from a softmax over the parents of
// the agreement between the vote and the sum of all votes
// for the same parent.
// The learned biases are added to the routing weights
// before the votes are summed and squashed.
type FCCaps struct {
	InCaps  int
	InDim   int
	OutCaps int
	OutDim  int

	// Weights is a packed [OutCaps, InCaps, InDim, OutDim]
	// tensor of vote transforms.
	Weights *anydiff.Var

	// Biases is a packed [OutCaps, InCaps] tensor.
	Biases *anydiff.Var
}

// DeserializeFCCaps deserializes an FCCaps.
func DeserializeFCCaps(d []byte) (*FCCaps, error) {
	var inCaps, inDim, outCaps, outDim serializer.Int
	var weights, biases *anyvecsave.S
	err := serializer.DeserializeAny(d, &inCaps, &inDim, &outCaps, &outDim, &weights, &biases)
	if err != nil {
		return nil, essentials.AddCtx("deserialize FCCaps", err)
	}
	if !positiveDims(int(inCaps), int(inDim), int(outCaps), int(outDim)) {
		return nil, fmt.Errorf("deserialize FCCaps: invalid dimensions %dx%d -> %dx%d",
			inCaps, inDim, outCaps, outDim)
	}
	res := &FCCaps{
		InCaps:  int(inCaps),
		InDim:   int(inDim),
		OutCaps: int(outCaps),
		OutDim:  int(outDim),
		Weights: anydiff.NewVar(weights.Vector),
		Biases:  anydiff.NewVar(biases.Vector),
	}
	if res.Weights.Vector.Len() != res.OutCaps*res.InCaps*res.InDim*res.OutDim ||
		res.Biases.Vector.Len() != res.OutCaps*res.InCaps {
		return nil, errors.New("deserialize FCCaps: invalid parameter dimensions")
	}
	return res, nil
}

// NewFCCaps creates an FCCaps for inCaps capsules of size
// inDim, producing outCaps capsules of size outDim.
//
// The weights are drawn from init, or from a HeNormal on
// the global source if init is nil.
// The biases start at zero.
func NewFCCaps(c anyvec.Creator, inCaps, inDim, outCaps, outDim int,
	init Initializer) (*FCCaps, error) {
	if !positiveDims(inCaps, inDim, outCaps, outDim) {
		return nil, fmt.Errorf("new FCCaps: invalid dimensions %dx%d -> %dx%d",
			inCaps, inDim, outCaps, outDim)
	}
	if init == nil {
		init = &HeNormal{}
	}
	res := &FCCaps{
		InCaps:  inCaps,
		InDim:   inDim,
		OutCaps: outCaps,
		OutDim:  outDim,
		Weights: anydiff.NewVar(c.MakeVector(outCaps * inCaps * inDim * outDim)),
		Biases:  anydiff.NewVar(c.MakeVector(outCaps * inCaps)),
	}
	receptive := outCaps * inCaps
	init.Init(res.Weights.Vector, receptive*inDim, receptive*outDim)
	return res, nil
}

// Apply routes a batch of [InCaps, InDim] capsule tensors,
// producing a batch of [OutCaps, OutDim] tensors.
func (f *FCCaps) Apply(in anydiff.Res, n int) anydiff.Res {
	u := f.votes(in, n)
	return anydiff.Pool(u, func(u anydiff.Res) anydiff.Res {
		routing := anydiff.AddRepeated(f.couplings(u, n), f.Biases)
		weighted := anydiff.Mul(u, repeatEach(routing, f.OutDim))
		return SquashExp(sumMiddle(weighted, n*f.OutCaps, f.InCaps, f.OutDim), f.OutDim)
	})
}

// Couplings computes the routing weights for a batch.
// The result is a packed [OutCaps, InCaps] tensor per
// example, before the biases are added.
// For every child capsule, the weights sum to 1 across
// the parents.
func (f *FCCaps) Couplings(in anydiff.Res, n int) anyvec.Vector {
	return f.couplings(f.votes(in, n), n).Output()
}

// Parameters returns a slice containing the weights and
// the biases, in that order.
func (f *FCCaps) Parameters() []*anydiff.Var {
	return []*anydiff.Var{f.Weights, f.Biases}
}

// SerializerType returns the unique ID used to serialize
// an FCCaps with the serializer package.
func (f *FCCaps) SerializerType() string {
	return "github.com/unixpickle/anycaps.FCCaps"
}

// Serialize serializes the layer.
func (f *FCCaps) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(f.InCaps),
		serializer.Int(f.InDim),
		serializer.Int(f.OutCaps),
		serializer.Int(f.OutDim),
		&anyvecsave.S{Vector: f.Weights.Vector},
		&anyvecsave.S{Vector: f.Biases.Vector},
	)
}

// votes produces a [n, OutCaps, InCaps, OutDim] tensor.
func (f *FCCaps) votes(in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*f.InCaps*f.InDim {
		panic(fmt.Sprintf("FCCaps input length should be %d (%d capsules of size %d), "+
			"but got %d", n*f.InCaps*f.InDim, f.InCaps, f.InDim, in.Output().Len()))
	}
	children := make([]int, f.OutCaps*f.InCaps)
	for t := range children {
		children[t] = t % f.InCaps
	}
	return votes(in, f.Weights, children, n, f.InCaps, f.InDim, f.OutDim)
}

func (f *FCCaps) couplings(u anydiff.Res, n int) anydiff.Res {
	c := u.Output().Creator()
	totals := sumMiddle(u, n*f.OutCaps, f.InCaps, f.OutDim)
	agreement := anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Mul(u, broadcastMiddle(totals, n*f.OutCaps, f.InCaps, f.OutDim)),
		Rows: n * f.OutCaps * f.InCaps,
		Cols: f.OutDim,
	})
	scaled := anydiff.Scale(agreement, c.MakeNumeric(1/math.Sqrt(float64(f.OutDim))))
	return softmaxMiddle(scaled, n, f.OutCaps, f.InCaps)
}
