package capsconv

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var p PrimaryCaps
	serializer.RegisterTypedDeserializer(p.SerializerType(), DeserializePrimaryCaps)
	var c ConvPrimaryCaps
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeConvPrimaryCaps)
}

// PrimaryCaps converts a feature map into capsules using
// a depthwise convolution followed by a squash.
//
// The convolution must produce exactly NumCaps*CapsDim
// values per example, which are reinterpreted as NumCaps
// capsules of dimension CapsDim.
type PrimaryCaps struct {
	Conv    *DepthwiseConv
	NumCaps int
	CapsDim int
}

// NewPrimaryCaps creates a PrimaryCaps layer for inputs
// of the given dimensions.
//
// The convolution uses one group per filter, so filters
// must divide the input depth.
// If init is nil, a GlorotUniform initializer is used.
//
// An error is returned if the output of the convolution
// cannot be reshaped into numCaps capsules of dimension
// capsDim.
func NewPrimaryCaps(c anyvec.Creator, in convmarkup.Dims, filters, kernel, stride,
	numCaps, capsDim int, init anycaps.Initializer) (*PrimaryCaps, error) {
	if numCaps <= 0 || capsDim <= 0 {
		return nil, fmt.Errorf("new PrimaryCaps: invalid capsule shape %dx%d", numCaps,
			capsDim)
	}
	conv := &DepthwiseConv{
		FilterCount:  filters,
		FilterWidth:  kernel,
		FilterHeight: kernel,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   in.Width,
		InputHeight:  in.Height,
		InputDepth:   in.Depth,
		Groups:       filters,
	}
	if err := conv.Validate(); err != nil {
		return nil, essentials.AddCtx("new PrimaryCaps", err)
	}
	outSize := conv.OutputWidth() * conv.OutputHeight() * conv.OutputDepth()
	if outSize != numCaps*capsDim {
		return nil, fmt.Errorf("new PrimaryCaps: %dx%dx%d output cannot hold %d capsules "+
			"of dimension %d", conv.OutputWidth(), conv.OutputHeight(), conv.OutputDepth(),
			numCaps, capsDim)
	}
	if err := conv.InitRand(c, init); err != nil {
		return nil, essentials.AddCtx("new PrimaryCaps", err)
	}
	return &PrimaryCaps{Conv: conv, NumCaps: numCaps, CapsDim: capsDim}, nil
}

// DeserializePrimaryCaps deserializes a PrimaryCaps.
func DeserializePrimaryCaps(d []byte) (*PrimaryCaps, error) {
	var conv *DepthwiseConv
	var numCaps, capsDim serializer.Int
	if err := serializer.DeserializeAny(d, &conv, &numCaps, &capsDim); err != nil {
		return nil, essentials.AddCtx("deserialize PrimaryCaps", err)
	}
	return &PrimaryCaps{Conv: conv, NumCaps: int(numCaps), CapsDim: int(capsDim)}, nil
}

// Apply produces a batch of capsules.
func (p *PrimaryCaps) Apply(in anydiff.Res, n int) anydiff.Res {
	return anycaps.SquashExp(p.Conv.Apply(in, n), p.CapsDim)
}

// Parameters returns the convolution's parameters.
func (p *PrimaryCaps) Parameters() []*anydiff.Var {
	return p.Conv.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a PrimaryCaps with the serializer package.
func (p *PrimaryCaps) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsconv.PrimaryCaps"
}

// Serialize serializes the layer.
func (p *PrimaryCaps) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		p.Conv,
		serializer.Int(p.NumCaps),
		serializer.Int(p.CapsDim),
	)
}

// ConvPrimaryCaps converts a feature map into capsules
// using a full convolution.
//
// The convolution has NumCaps*CapsDim filters and no
// biases of its own.
// Its output is divided by NumCaps, offset by a learned
// bias per capsule component, and squashed.
// Every spatial position yields NumCaps capsules, so the
// output holds OutputCaps() capsules per example.
type ConvPrimaryCaps struct {
	// Conv.Biases stay zero and are never trained.
	Conv *anyconv.Conv

	NumCaps int
	CapsDim int

	// Biases has NumCaps*CapsDim entries.
	Biases *anydiff.Var
}

// NewConvPrimaryCaps creates a ConvPrimaryCaps layer for
// inputs of the given dimensions.
//
// If init is nil, a GlorotUniform initializer is used.
func NewConvPrimaryCaps(c anyvec.Creator, in convmarkup.Dims, kernel, stride, numCaps,
	capsDim int, init anycaps.Initializer) (*ConvPrimaryCaps, error) {
	if numCaps <= 0 || capsDim <= 0 {
		return nil, fmt.Errorf("new ConvPrimaryCaps: invalid capsule shape %dx%d",
			numCaps, capsDim)
	}
	if stride <= 0 || kernel <= 0 || kernel > in.Width || kernel > in.Height {
		return nil, fmt.Errorf("new ConvPrimaryCaps: %dx%d kernel with stride %d does "+
			"not fit %dx%d input", kernel, kernel, stride, in.Width, in.Height)
	}
	conv := &anyconv.Conv{
		FilterCount:  numCaps * capsDim,
		FilterWidth:  kernel,
		FilterHeight: kernel,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   in.Width,
		InputHeight:  in.Height,
		InputDepth:   in.Depth,
	}
	conv.InitZero(c)
	if init == nil {
		init = &anycaps.GlorotUniform{}
	}
	window := kernel * kernel
	init.Init(conv.Filters.Vector, window*in.Depth, window*conv.FilterCount)
	return &ConvPrimaryCaps{
		Conv:    conv,
		NumCaps: numCaps,
		CapsDim: capsDim,
		Biases:  anydiff.NewVar(c.MakeVector(numCaps * capsDim)),
	}, nil
}

// DeserializeConvPrimaryCaps deserializes a
// ConvPrimaryCaps.
func DeserializeConvPrimaryCaps(d []byte) (*ConvPrimaryCaps, error) {
	var conv *anyconv.Conv
	var numCaps, capsDim serializer.Int
	var biases *anyvecsave.S
	err := serializer.DeserializeAny(d, &conv, &numCaps, &capsDim, &biases)
	if err != nil {
		return nil, essentials.AddCtx("deserialize ConvPrimaryCaps", err)
	}
	if biases.Vector.Len() != int(numCaps*capsDim) {
		return nil, errors.New("deserialize ConvPrimaryCaps: invalid bias count")
	}
	return &ConvPrimaryCaps{
		Conv:    conv,
		NumCaps: int(numCaps),
		CapsDim: int(capsDim),
		Biases:  anydiff.NewVar(biases.Vector),
	}, nil
}

// OutputCaps returns the number of capsules produced for
// each example.
func (p *ConvPrimaryCaps) OutputCaps() int {
	return p.Conv.OutputWidth() * p.Conv.OutputHeight() * p.NumCaps
}

// Apply produces a batch of capsules.
func (p *ConvPrimaryCaps) Apply(in anydiff.Res, n int) anydiff.Res {
	c := in.Output().Creator()
	out := p.Conv.Apply(in, n)
	out = anydiff.Scale(out, c.MakeNumeric(1/float64(p.NumCaps)))
	out = anydiff.AddRepeated(out, p.Biases)
	return anycaps.SquashHinton(out, p.CapsDim)
}

// Parameters returns the convolution filters and the
// capsule biases.
func (p *ConvPrimaryCaps) Parameters() []*anydiff.Var {
	return []*anydiff.Var{p.Conv.Filters, p.Biases}
}

// SerializerType returns the unique ID used to serialize
// a ConvPrimaryCaps with the serializer package.
func (p *ConvPrimaryCaps) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsconv.ConvPrimaryCaps"
}

// Serialize serializes the layer.
func (p *ConvPrimaryCaps) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		p.Conv,
		serializer.Int(p.NumCaps),
		serializer.Int(p.CapsDim),
		&anyvecsave.S{Vector: p.Biases.Vector},
	)
}
