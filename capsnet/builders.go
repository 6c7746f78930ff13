package capsnet

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anycaps/capsconv"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/essentials"
)

const efficientMNISTMarkup = `
Input(w=28, h=28, d=1)

Conv(w=5, h=5, n=32)
ReLU
BatchNorm

Conv(w=3, h=3, n=64)
ReLU
BatchNorm

Conv(w=3, h=3, n=64)
ReLU
BatchNorm

Conv(w=3, h=3, n=128, sx=2, sy=2)
ReLU
BatchNorm
`

const efficientMultiMNISTMarkup = `
Input(w=36, h=36, d=1)

Conv(w=5, h=5, n=32)
ReLU
BatchNorm

Conv(w=3, h=3, n=64)
ReLU
BatchNorm

Conv(w=3, h=3, n=64, sx=2, sy=2)
ReLU
BatchNorm

Conv(w=3, h=3, n=128, sx=2, sy=2)
ReLU
BatchNorm
`

const originalMNISTMarkup = `
Input(w=28, h=28, d=1)

Conv(w=9, h=9, n=256)
ReLU
`

// NewEfficientMNIST creates an Efficient-CapsNet for
// 28x28 MNIST digits.
//
// If r is nil, the global source is used.
func NewEfficientMNIST(c anyvec.Creator, r *rand.Rand) (*Model, error) {
	encoder, dims, err := realizeEncoder(c, efficientMNISTMarkup, r)
	if err != nil {
		return nil, essentials.AddCtx("new efficient MNIST model", err)
	}
	primary, err := capsconv.NewPrimaryCaps(c, dims, 128, 9, 1, 16, 8,
		&anycaps.GlorotUniform{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient MNIST model", err)
	}
	router, err := anycaps.NewFCCaps(c, 16, 8, 10, 16, &anycaps.HeNormal{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient MNIST model", err)
	}
	return &Model{
		Encoder:   append(encoder, primary),
		Router:    router,
		Generator: denseGenerator(c, r, 10*16, 28*28),
		NumCaps:   10,
		CapsDim:   16,
	}, nil
}

// NewEfficientMultiMNIST creates an Efficient-CapsNet for
// 36x36 images containing two overlapping digits.
//
// If r is nil, the global source is used.
func NewEfficientMultiMNIST(c anyvec.Creator, r *rand.Rand) (*Model, error) {
	encoder, dims, err := realizeEncoder(c, efficientMultiMNISTMarkup, r)
	if err != nil {
		return nil, essentials.AddCtx("new efficient MultiMNIST model", err)
	}
	primary, err := capsconv.NewPrimaryCaps(c, dims, 128, 5, 2, 16, 8,
		&anycaps.GlorotUniform{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient MultiMNIST model", err)
	}
	router, err := anycaps.NewFCCaps(c, 16, 8, 10, 16, &anycaps.HeNormal{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient MultiMNIST model", err)
	}
	return &Model{
		Encoder:   append(encoder, primary),
		Router:    router,
		Generator: denseGenerator(c, r, 10*16, 36*36),
		NumCaps:   10,
		CapsDim:   16,
		Double:    true,
	}, nil
}

// NewEfficientSmallNORB creates an Efficient-CapsNet for
// 48x48 stereo image pairs with five classes.
//
// If r is nil, the global source is used.
func NewEfficientSmallNORB(c anyvec.Creator, r *rand.Rand) (*Model, error) {
	dims := convmarkup.Dims{Width: 48, Height: 48, Depth: 2}
	var encoder anynet.Net
	for _, cfg := range [][3]int{{32, 7, 2}, {64, 3, 1}, {64, 3, 1}, {128, 3, 2}} {
		var conv *anyconv.Conv
		conv, dims = newConv(c, dims, cfg[0], cfg[1], cfg[2], &anycaps.HeNormal{Rand: r})
		encoder = append(encoder, conv, &LeakyReLU{}, NewInstanceNorm(c, dims.Depth, r))
	}
	primary, err := capsconv.NewPrimaryCaps(c, dims, 128, 8, 1, 16, 8,
		&anycaps.GlorotUniform{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient smallNORB model", err)
	}
	router, err := anycaps.NewFCCaps(c, 16, 8, 5, 16, &anycaps.HeNormal{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new efficient smallNORB model", err)
	}
	return &Model{
		Encoder:   append(encoder, primary),
		Router:    router,
		Generator: upsamplingGenerator(c, r, 5*16),
		NumCaps:   5,
		CapsDim:   16,
	}, nil
}

// NewOriginalMNIST creates a capsule network with dynamic
// routing for 28x28 MNIST digits.
//
// If r is nil, the global source is used.
func NewOriginalMNIST(c anyvec.Creator, routing anycaps.RoutingMode,
	r *rand.Rand) (*Model, error) {
	encoder, dims, err := realizeEncoder(c, originalMNISTMarkup, r)
	if err != nil {
		return nil, essentials.AddCtx("new original MNIST model", err)
	}
	primary, err := capsconv.NewConvPrimaryCaps(c, dims, 9, 2, 32, 8,
		&anycaps.GlorotUniform{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new original MNIST model", err)
	}
	router, err := anycaps.NewDigitCaps(c, primary.OutputCaps(), 8, 10, 16, routing,
		&anycaps.GlorotUniform{Rand: r})
	if err != nil {
		return nil, essentials.AddCtx("new original MNIST model", err)
	}
	return &Model{
		Encoder:   append(encoder, primary),
		Router:    router,
		Generator: denseGenerator(c, r, 10*16, 28*28),
		NumCaps:   10,
		CapsDim:   16,
	}, nil
}

// realizeEncoder builds a feature extractor from markup
// and re-initializes its convolutions with r.
//
// It returns the network and its output dimensions.
func realizeEncoder(c anyvec.Creator, code string, r *rand.Rand) (anynet.Net,
	convmarkup.Dims, error) {
	parsed, err := convmarkup.Parse(code)
	if err != nil {
		return nil, convmarkup.Dims{}, errors.New("parse markup: " + err.Error())
	}
	block, err := parsed.Block(convmarkup.Dims{}, convmarkup.DefaultCreators())
	if err != nil {
		return nil, convmarkup.Dims{}, errors.New("make markup block: " + err.Error())
	}
	chain := convmarkup.RealizerChain{convmarkup.MetaRealizer{}, anyconv.Realizer(c)}
	instance, _, err := chain.Realize(convmarkup.Dims{}, block)
	if err != nil {
		return nil, convmarkup.Dims{}, errors.New("realize markup block: " + err.Error())
	}
	net, ok := instance.(anynet.Net)
	if !ok {
		return nil, convmarkup.Dims{}, fmt.Errorf("not an anynet.Net: %T", instance)
	}
	init := &anycaps.HeNormal{Rand: r}
	for _, layer := range net {
		if conv, ok := layer.(*anyconv.Conv); ok {
			window := conv.FilterWidth * conv.FilterHeight
			init.Init(conv.Filters.Vector, window*conv.InputDepth, window*conv.FilterCount)
		}
	}
	return net, block.OutDims(), nil
}

func newConv(c anyvec.Creator, in convmarkup.Dims, filters, kernel, stride int,
	init anycaps.Initializer) (*anyconv.Conv, convmarkup.Dims) {
	conv := &anyconv.Conv{
		FilterCount:  filters,
		FilterWidth:  kernel,
		FilterHeight: kernel,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   in.Width,
		InputHeight:  in.Height,
		InputDepth:   in.Depth,
	}
	conv.InitZero(c)
	window := kernel * kernel
	init.Init(conv.Filters.Vector, window*in.Depth, window*filters)
	out := convmarkup.Dims{
		Width:  conv.OutputWidth(),
		Height: conv.OutputHeight(),
		Depth:  conv.OutputDepth(),
	}
	return conv, out
}

// denseGenerator creates a fully-connected decoder with
// two hidden layers and a sigmoid output.
func denseGenerator(c anyvec.Creator, r *rand.Rand, inSize, outSize int) anynet.Net {
	hidden := &anycaps.HeNormal{Rand: r}
	return anynet.Net{
		newFC(c, inSize, 512, hidden),
		anynet.ReLU,
		newFC(c, 512, 1024, hidden),
		anynet.ReLU,
		newFC(c, 1024, outSize, &anycaps.GlorotNormal{Rand: r}),
		anynet.Sigmoid,
	}
}

// upsamplingGenerator creates a convolutional decoder
// which produces 48x48x2 images.
func upsamplingGenerator(c anyvec.Creator, r *rand.Rand, inSize int) anynet.Net {
	init := &anycaps.GlorotUniform{Rand: r}
	res := anynet.Net{newFC(c, inSize, 64, init)}
	dims := convmarkup.Dims{Width: 8, Height: 8, Depth: 1}
	for _, filters := range []int{64, 128, 128} {
		res = append(res, &anyconv.Resize{
			Depth:        dims.Depth,
			InputWidth:   dims.Width,
			InputHeight:  dims.Height,
			OutputWidth:  dims.Width * 2,
			OutputHeight: dims.Height * 2,
		})
		dims.Width *= 2
		dims.Height *= 2
		var conv *anyconv.Conv
		conv, dims = newConv(c, dims, filters, 3, 1, init)
		res = append(res, conv, &LeakyReLU{Alpha: 0.2})
	}
	conv, _ := newConv(c, dims, 2, 3, 1, init)
	return append(res, conv, anynet.Sigmoid)
}

func newFC(c anyvec.Creator, in, out int, init anycaps.Initializer) *anynet.FC {
	res := anynet.NewFCZero(c, in, out)
	init.Init(res.Weights.Vector, in, out)
	return res
}
