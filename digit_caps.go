package anycaps

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d DigitCaps
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDigitCaps)
}

// DigitCaps is a fully-connected capsule layer which uses
// iterative routing by agreement.
//
// The input capsules may come from a convolutional
// capsule layer, in which case every (x, y, capsule)
// triple counts as a separate input capsule.
type DigitCaps struct {
	InCaps  int
	InDim   int
	OutCaps int
	OutDim  int

	Routing RoutingMode

	// Weights is a packed [InCaps, InDim, OutCaps*OutDim]
	// tensor of vote transforms.
	Weights *anydiff.Var

	// Biases is a packed [OutCaps, OutDim] tensor.
	Biases *anydiff.Var
}

// A RoutingTrace records the intermediate values of
// routing by agreement.
type RoutingTrace struct {
	// Couplings stores a packed [InCaps, OutCaps] tensor per
	// example for every iteration.
	Couplings []anyvec.Vector

	// Poses stores the squashed parent capsules at the end
	// of every iteration.
	Poses []anyvec.Vector
}

// DeserializeDigitCaps deserializes a DigitCaps.
func DeserializeDigitCaps(d []byte) (*DigitCaps, error) {
	var inCaps, inDim, outCaps, outDim, iters serializer.Int
	var weights, biases *anyvecsave.S
	err := serializer.DeserializeAny(d, &inCaps, &inDim, &outCaps, &outDim, &iters,
		&weights, &biases)
	if err != nil {
		return nil, essentials.AddCtx("deserialize DigitCaps", err)
	}
	if !positiveDims(int(inCaps), int(inDim), int(outCaps), int(outDim)) {
		return nil, fmt.Errorf("deserialize DigitCaps: invalid dimensions %dx%d -> %dx%d",
			inCaps, inDim, outCaps, outDim)
	}
	if iters < 0 {
		return nil, fmt.Errorf("deserialize DigitCaps: invalid iteration count: %d", iters)
	}
	res := &DigitCaps{
		InCaps:  int(inCaps),
		InDim:   int(inDim),
		OutCaps: int(outCaps),
		OutDim:  int(outDim),
		Routing: AgreementRouting(int(iters)),
		Weights: anydiff.NewVar(weights.Vector),
		Biases:  anydiff.NewVar(biases.Vector),
	}
	if res.Weights.Vector.Len() != res.InCaps*res.InDim*res.OutCaps*res.OutDim ||
		res.Biases.Vector.Len() != res.OutCaps*res.OutDim {
		return nil, errors.New("deserialize DigitCaps: invalid parameter dimensions")
	}
	return res, nil
}

// NewDigitCaps creates a DigitCaps layer.
//
// The weights are drawn from init, or from a
// GlorotUniform on the global source if init is nil.
// The biases start at zero.
func NewDigitCaps(c anyvec.Creator, inCaps, inDim, outCaps, outDim int,
	routing RoutingMode, init Initializer) (*DigitCaps, error) {
	if !positiveDims(inCaps, inDim, outCaps, outDim) {
		return nil, fmt.Errorf("new DigitCaps: invalid dimensions %dx%d -> %dx%d",
			inCaps, inDim, outCaps, outDim)
	}
	if init == nil {
		init = &GlorotUniform{}
	}
	res := &DigitCaps{
		InCaps:  inCaps,
		InDim:   inDim,
		OutCaps: outCaps,
		OutDim:  outDim,
		Routing: routing,
		Weights: anydiff.NewVar(c.MakeVector(inCaps * inDim * outCaps * outDim)),
		Biases:  anydiff.NewVar(c.MakeVector(outCaps * outDim)),
	}
	init.Init(res.Weights.Vector, inCaps*inDim, inCaps*outCaps*outDim)
	return res, nil
}

// Apply routes a batch of [InCaps, InDim] capsule tensors,
// producing a batch of [OutCaps, OutDim] tensors.
func (d *DigitCaps) Apply(in anydiff.Res, n int) anydiff.Res {
	return d.route(in, n, nil)
}

// Trace applies the layer and records the routing
// coefficients and parent capsules of every iteration.
//
// With NoRouting(), no couplings are recorded and Poses
// contains the single output.
func (d *DigitCaps) Trace(in anydiff.Res, n int) *RoutingTrace {
	trace := &RoutingTrace{}
	d.route(in, n, trace)
	return trace
}

// Parameters returns a slice containing the weights and
// the biases, in that order.
func (d *DigitCaps) Parameters() []*anydiff.Var {
	return []*anydiff.Var{d.Weights, d.Biases}
}

// SerializerType returns the unique ID used to serialize
// a DigitCaps with the serializer package.
func (d *DigitCaps) SerializerType() string {
	return "github.com/unixpickle/anycaps.DigitCaps"
}

// Serialize serializes the layer.
func (d *DigitCaps) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(d.InCaps),
		serializer.Int(d.InDim),
		serializer.Int(d.OutCaps),
		serializer.Int(d.OutDim),
		serializer.Int(d.Routing.Iterations()),
		&anyvecsave.S{Vector: d.Weights.Vector},
		&anyvecsave.S{Vector: d.Biases.Vector},
	)
}

func (d *DigitCaps) route(in anydiff.Res, n int, trace *RoutingTrace) anydiff.Res {
	if in.Output().Len() != n*d.InCaps*d.InDim {
		panic(fmt.Sprintf("DigitCaps input length should be %d (%d capsules of size %d), "+
			"but got %d", n*d.InCaps*d.InDim, d.InCaps, d.InDim, in.Output().Len()))
	}
	children := make([]int, d.InCaps)
	for i := range children {
		children[i] = i
	}
	u := votes(in, d.Weights, children, n, d.InCaps, d.InDim, d.OutCaps*d.OutDim)
	return anydiff.Pool(u, func(u anydiff.Res) anydiff.Res {
		if !d.Routing.Enabled() {
			parents := d.parents(sumMiddle(u, n, d.InCaps, d.OutCaps*d.OutDim))
			if trace != nil {
				trace.Poses = append(trace.Poses, parents.Output())
			}
			return parents
		}
		c := u.Output().Creator()
		logits := anydiff.NewConst(c.MakeVector(n * d.InCaps * d.OutCaps))
		return d.iterate(u, logits, n, d.Routing.Iterations(), trace)
	})
}

func (d *DigitCaps) iterate(u, logits anydiff.Res, n, remaining int,
	trace *RoutingTrace) anydiff.Res {
	return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
		couplings := softmaxLast(logits, d.OutCaps)
		weighted := anydiff.Mul(u, repeatEach(couplings, d.OutDim))
		parents := d.parents(sumMiddle(weighted, n, d.InCaps, d.OutCaps*d.OutDim))
		if trace != nil {
			trace.Couplings = append(trace.Couplings, couplings.Output())
			trace.Poses = append(trace.Poses, parents.Output())
		}
		if remaining == 1 {
			return parents
		}
		return anydiff.Pool(parents, func(parents anydiff.Res) anydiff.Res {
			agreement := anydiff.SumCols(&anydiff.Matrix{
				Data: anydiff.Mul(u, broadcastMiddle(parents, n, d.InCaps,
					d.OutCaps*d.OutDim)),
				Rows: n * d.InCaps * d.OutCaps,
				Cols: d.OutDim,
			})
			return d.iterate(u, anydiff.Add(logits, agreement), n, remaining-1, trace)
		})
	})
}

func (d *DigitCaps) parents(sums anydiff.Res) anydiff.Res {
	return SquashHinton(anydiff.AddRepeated(sums, d.Biases), d.OutDim)
}
