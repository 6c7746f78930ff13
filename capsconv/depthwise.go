// Package capsconv provides convolutional layers for
// producing primary capsules.
package capsconv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d DepthwiseConv
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDepthwiseConv)
}

// DepthwiseConv is a grouped convolutional layer with no
// padding.
//
// The input channels are split into Groups equally sized
// groups, and the filters are split the same way.
// Every filter only sees the channels of its own group.
// With Groups equal to FilterCount and InputDepth, this
// is a depthwise convolution.
//
// All input and output tensors are row-major depth-minor.
type DepthwiseConv struct {
	FilterCount  int
	FilterWidth  int
	FilterHeight int

	StrideX int
	StrideY int

	InputWidth  int
	InputHeight int
	InputDepth  int

	Groups int

	// Filters is a packed tensor of shape
	// [FilterCount, FilterHeight, FilterWidth, InputDepth/Groups].
	Filters *anydiff.Var
	Biases  *anydiff.Var

	mapperLock sync.Mutex
	im2row     *anyconv.Im2Row
	expander   anyvec.Mapper
}

// DeserializeDepthwiseConv deserializes a DepthwiseConv.
func DeserializeDepthwiseConv(d []byte) (*DepthwiseConv, error) {
	var inW, inH, inD, fW, fH, sX, sY, groups serializer.Int
	var f, b *anyvecsave.S
	err := serializer.DeserializeAny(d, &inW, &inH, &inD, &fW, &fH, &sX, &sY, &groups, &f, &b)
	if err != nil {
		return nil, essentials.AddCtx("deserialize DepthwiseConv", err)
	}
	res := &DepthwiseConv{
		FilterCount:  b.Vector.Len(),
		FilterWidth:  int(fW),
		FilterHeight: int(fH),
		StrideX:      int(sX),
		StrideY:      int(sY),
		InputWidth:   int(inW),
		InputHeight:  int(inH),
		InputDepth:   int(inD),
		Groups:       int(groups),
		Filters:      anydiff.NewVar(f.Vector),
		Biases:       anydiff.NewVar(b.Vector),
	}
	if err := res.Validate(); err != nil {
		return nil, essentials.AddCtx("deserialize DepthwiseConv", err)
	}
	if f.Vector.Len() != res.FilterCount*res.filterSize() {
		return nil, errors.New("deserialize DepthwiseConv: invalid filter count")
	}
	return res, nil
}

// Validate checks that the layer's dimensions are
// consistent and that the output is non-empty.
func (d *DepthwiseConv) Validate() error {
	if d.FilterCount <= 0 || d.Groups <= 0 || d.InputDepth <= 0 {
		return fmt.Errorf("invalid filter count %d, group count %d, or input depth %d",
			d.FilterCount, d.Groups, d.InputDepth)
	}
	if d.StrideX <= 0 || d.StrideY <= 0 {
		return fmt.Errorf("invalid stride %dx%d", d.StrideX, d.StrideY)
	}
	if d.InputDepth%d.Groups != 0 {
		return fmt.Errorf("group count %d does not divide input depth %d", d.Groups,
			d.InputDepth)
	}
	if d.FilterCount%d.Groups != 0 {
		return fmt.Errorf("group count %d does not divide filter count %d", d.Groups,
			d.FilterCount)
	}
	if d.OutputWidth() == 0 || d.OutputHeight() == 0 {
		return fmt.Errorf("%dx%d filter does not fit in %dx%d input", d.FilterWidth,
			d.FilterHeight, d.InputWidth, d.InputHeight)
	}
	return nil
}

// InitRand validates the layer, then creates zero biases
// and random filters.
//
// If init is nil, an anycaps.GlorotUniform on the global
// source is used.
func (d *DepthwiseConv) InitRand(c anyvec.Creator, init anycaps.Initializer) error {
	if err := d.InitZero(c); err != nil {
		return err
	}
	if init == nil {
		init = &anycaps.GlorotUniform{}
	}
	window := d.FilterWidth * d.FilterHeight
	init.Init(d.Filters.Vector, window*d.InputDepth/d.Groups, window*d.FilterCount)
	return nil
}

// InitZero validates the layer, then creates zero filters
// and biases.
func (d *DepthwiseConv) InitZero(c anyvec.Creator) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Filters = anydiff.NewVar(c.MakeVector(d.FilterCount * d.filterSize()))
	d.Biases = anydiff.NewVar(c.MakeVector(d.FilterCount))
	return nil
}

// OutputWidth returns the width of the output tensor.
func (d *DepthwiseConv) OutputWidth() int {
	if d.StrideX <= 0 || d.InputWidth < d.FilterWidth {
		return 0
	}
	return 1 + (d.InputWidth-d.FilterWidth)/d.StrideX
}

// OutputHeight returns the height of the output tensor.
func (d *DepthwiseConv) OutputHeight() int {
	if d.StrideY <= 0 || d.InputHeight < d.FilterHeight {
		return 0
	}
	return 1 + (d.InputHeight-d.FilterHeight)/d.StrideY
}

// OutputDepth returns the depth of the output tensor.
func (d *DepthwiseConv) OutputDepth() int {
	return d.FilterCount
}

// Apply applies the layer to a batch of input tensors.
//
// The layer must have been initialized.
// After you apply the layer, you should not modify its
// dimensions.
func (d *DepthwiseConv) Apply(in anydiff.Res, batchSize int) anydiff.Res {
	imgSize := d.InputWidth * d.InputHeight * d.InputDepth
	if in.Output().Len() != batchSize*imgSize {
		panic(fmt.Sprintf("input length should be %d, but got %d", batchSize*imgSize,
			in.Output().Len()))
	}
	c := in.Output().Creator()
	im2row, expander := d.mappers(c)

	padded := c.Concat(d.Filters.Vector, c.MakeVector(1))
	dense := c.MakeVector(expander.OutSize())
	expander.Map(padded, dense)
	filterMat := &anyvec.Matrix{
		Data: dense,
		Rows: d.FilterCount,
		Cols: d.FilterWidth * d.FilterHeight * d.InputDepth,
	}

	one := c.MakeNumeric(1)
	zero := c.MakeNumeric(0)
	outPositions := d.OutputWidth() * d.OutputHeight()
	results := make([]anyvec.Vector, batchSize)
	im2row.MapAll(in.Output(), func(i int, imgMat *anyvec.Matrix) {
		prod := &anyvec.Matrix{
			Data: c.MakeVector(outPositions * d.FilterCount),
			Rows: outPositions,
			Cols: d.FilterCount,
		}
		prod.Product(false, true, one, imgMat, filterMat, zero)
		results[i] = prod.Data
	})
	out := c.Concat(results...)
	anyvec.AddRepeated(out, d.Biases.Vector)

	ourVars := anydiff.VarSet{}
	ourVars.Add(d.Filters)
	ourVars.Add(d.Biases)

	return &depthwiseRes{
		Layer:     d,
		Im2Row:    im2row,
		Expander:  expander,
		FilterMat: filterMat,
		N:         batchSize,
		In:        in,
		OutVec:    out,
		V:         anydiff.MergeVarSets(in.Vars(), ourVars),
	}
}

// Parameters returns the filters and biases, in that
// order.
//
// If the layer is uninitialized, the result is nil.
func (d *DepthwiseConv) Parameters() []*anydiff.Var {
	if d.Filters == nil || d.Biases == nil {
		return nil
	}
	return []*anydiff.Var{d.Filters, d.Biases}
}

// SerializerType returns the unique ID used to serialize
// a DepthwiseConv with the serializer package.
func (d *DepthwiseConv) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsconv.DepthwiseConv"
}

// Serialize serializes the layer.
//
// If the layer was not yet initialized, this fails.
func (d *DepthwiseConv) Serialize() ([]byte, error) {
	if d.Filters == nil || d.Biases == nil {
		return nil, errors.New("cannot serialize uninitialized DepthwiseConv")
	}
	return serializer.SerializeAny(
		serializer.Int(d.InputWidth),
		serializer.Int(d.InputHeight),
		serializer.Int(d.InputDepth),
		serializer.Int(d.FilterWidth),
		serializer.Int(d.FilterHeight),
		serializer.Int(d.StrideX),
		serializer.Int(d.StrideY),
		serializer.Int(d.Groups),
		&anyvecsave.S{Vector: d.Filters.Vector},
		&anyvecsave.S{Vector: d.Biases.Vector},
	)
}

func (d *DepthwiseConv) filterSize() int {
	return d.FilterWidth * d.FilterHeight * d.InputDepth / d.Groups
}

func (d *DepthwiseConv) mappers(c anyvec.Creator) (*anyconv.Im2Row, anyvec.Mapper) {
	d.mapperLock.Lock()
	defer d.mapperLock.Unlock()
	if d.im2row == nil {
		d.im2row = &anyconv.Im2Row{
			WindowWidth:  d.FilterWidth,
			WindowHeight: d.FilterHeight,
			StrideX:      d.StrideX,
			StrideY:      d.StrideY,
			InputWidth:   d.InputWidth,
			InputHeight:  d.InputHeight,
			InputDepth:   d.InputDepth,
		}
	}
	if d.expander == nil || d.expander.Creator() != c {
		d.expander = d.makeExpander(c)
	}
	return d.im2row, d.expander
}

// makeExpander creates a mapper from the compact filters,
// followed by a single zero, to a dense filter matrix
// which can be multiplied by im2row matrices.
func (d *DepthwiseConv) makeExpander(c anyvec.Creator) anyvec.Mapper {
	compactSize := d.FilterCount * d.filterSize()
	groupDepth := d.InputDepth / d.Groups
	filtersPerGroup := d.FilterCount / d.Groups
	window := d.FilterWidth * d.FilterHeight

	table := make([]int, 0, d.FilterCount*window*d.InputDepth)
	for f := 0; f < d.FilterCount; f++ {
		group := f / filtersPerGroup
		for pos := 0; pos < window; pos++ {
			for z := 0; z < d.InputDepth; z++ {
				if z/groupDepth != group {
					table = append(table, compactSize)
					continue
				}
				idx := (f*window+pos)*groupDepth + z%groupDepth
				table = append(table, idx)
			}
		}
	}
	return c.MakeMapper(compactSize+1, table)
}

type depthwiseRes struct {
	Layer     *DepthwiseConv
	Im2Row    *anyconv.Im2Row
	Expander  anyvec.Mapper
	FilterMat *anyvec.Matrix
	N         int
	In        anydiff.Res
	OutVec    anyvec.Vector
	V         anydiff.VarSet
}

func (d *depthwiseRes) Output() anyvec.Vector {
	return d.OutVec
}

func (d *depthwiseRes) Vars() anydiff.VarSet {
	return d.V
}

func (d *depthwiseRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	if biasGrad, ok := g[d.Layer.Biases]; ok {
		biasGrad.Add(anyvec.SumRows(u, d.Layer.FilterCount))
	}

	filterGrad, doFilters := g[d.Layer.Filters]
	doIn := g.Intersects(d.In.Vars())
	if !doFilters && !doIn {
		return
	}

	one := c.MakeNumeric(1)
	zero := c.MakeNumeric(0)
	outSize := u.Len() / d.N
	inSize := d.In.Output().Len() / d.N

	var denseGrad *anyvec.Matrix
	if doFilters {
		denseGrad = &anyvec.Matrix{
			Data: c.MakeVector(d.FilterMat.Data.Len()),
			Rows: d.FilterMat.Rows,
			Cols: d.FilterMat.Cols,
		}
	}
	inputUpstreams := make([]anyvec.Vector, d.N)
	d.Im2Row.MapAll(d.In.Output(), func(i int, imgMat *anyvec.Matrix) {
		uMat := &anyvec.Matrix{
			Data: u.Slice(outSize*i, outSize*(i+1)),
			Rows: d.Layer.OutputWidth() * d.Layer.OutputHeight(),
			Cols: d.Layer.FilterCount,
		}
		if doFilters {
			denseGrad.Product(true, false, one, uMat, imgMat, one)
		}
		if doIn {
			imgMat.Product(false, false, one, uMat, d.FilterMat, zero)
			inUp := c.MakeVector(inSize)
			d.Im2Row.Mapper(c).MapTranspose(imgMat.Data, inUp)
			inputUpstreams[i] = inUp
		}
	})

	if doFilters {
		padded := c.MakeVector(filterGrad.Len() + 1)
		d.Expander.MapTranspose(denseGrad.Data, padded)
		filterGrad.Add(padded.Slice(0, filterGrad.Len()))
	}
	if doIn {
		d.In.Propagate(c.Concat(inputUpstreams...), g)
	}
}
