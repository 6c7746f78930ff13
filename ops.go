package anycaps

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

type gatherRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
}

// gather produces a vector whose i-th component is
// in[table[i]].
// Gradients are scattered back with MapTranspose, so a
// source index may appear in the table any number of
// times.
func gather(in anydiff.Res, table []int) anydiff.Res {
	c := in.Output().Creator()
	mapper := c.MakeMapper(in.Output().Len(), table)
	out := c.MakeVector(len(table))
	mapper.Map(in.Output(), out)
	return &gatherRes{
		In:     in,
		Mapper: mapper,
		OutVec: out,
	}
}

func (g *gatherRes) Output() anyvec.Vector {
	return g.OutVec
}

func (g *gatherRes) Vars() anydiff.VarSet {
	return g.In.Vars()
}

func (g *gatherRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	downstream := u.Creator().MakeVector(g.In.Output().Len())
	g.Mapper.MapTranspose(u, downstream)
	g.In.Propagate(downstream, grad)
}

// transposeTable builds a gather table which turns a
// packed [outer, rows, cols, inner] tensor into a
// [outer, cols, rows, inner] tensor.
func transposeTable(outer, rows, cols, inner int) []int {
	table := make([]int, 0, outer*rows*cols*inner)
	for o := 0; o < outer; o++ {
		base := o * rows * cols * inner
		for col := 0; col < cols; col++ {
			for row := 0; row < rows; row++ {
				src := base + (row*cols+col)*inner
				for i := 0; i < inner; i++ {
					table = append(table, src+i)
				}
			}
		}
	}
	return table
}

// swapAxes swaps the two middle axes of a packed
// [outer, rows, cols, inner] tensor.
func swapAxes(in anydiff.Res, outer, rows, cols, inner int) anydiff.Res {
	checkVolume(in, outer*rows*cols*inner)
	return gather(in, transposeTable(outer, rows, cols, inner))
}

// repeatEach repeats every component of in n times in a
// row, turning an [R] tensor into an [R, n] tensor.
func repeatEach(in anydiff.Res, n int) anydiff.Res {
	table := make([]int, in.Output().Len()*n)
	for i := range table {
		table[i] = i / n
	}
	return gather(in, table)
}

// broadcastMiddle turns an [outer, inner] tensor into an
// [outer, mid, inner] tensor by repeating along the new
// middle axis.
func broadcastMiddle(in anydiff.Res, outer, mid, inner int) anydiff.Res {
	checkVolume(in, outer*inner)
	table := make([]int, 0, outer*mid*inner)
	for o := 0; o < outer; o++ {
		for m := 0; m < mid; m++ {
			for i := 0; i < inner; i++ {
				table = append(table, o*inner+i)
			}
		}
	}
	return gather(in, table)
}

// sumMiddle reduces an [outer, mid, inner] tensor to an
// [outer, inner] tensor by summing over the middle axis.
func sumMiddle(in anydiff.Res, outer, mid, inner int) anydiff.Res {
	if mid == 1 {
		checkVolume(in, outer*inner)
		return in
	}
	swapped := swapAxes(in, outer, mid, inner, 1)
	return anydiff.SumCols(&anydiff.Matrix{
		Data: swapped,
		Rows: outer * inner,
		Cols: mid,
	})
}

// softmaxMiddle computes a softmax over the middle axis of
// an [outer, mid, inner] tensor.
func softmaxMiddle(in anydiff.Res, outer, mid, inner int) anydiff.Res {
	if inner == 1 {
		return softmaxLast(in, mid)
	}
	swapped := swapAxes(in, outer, mid, inner, 1)
	return swapAxes(softmaxLast(swapped, mid), outer, inner, mid, 1)
}

// softmaxLast computes a softmax over consecutive chunks
// of the given size.
func softmaxLast(in anydiff.Res, chunkSize int) anydiff.Res {
	return anydiff.Exp(anydiff.LogSoftmax(in, chunkSize))
}

// sumSquares computes the squared norm of every chunk of
// poseSize consecutive components.
func sumSquares(in anydiff.Res, poseSize int) anydiff.Res {
	return anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Square(in),
		Rows: in.Output().Len() / poseSize,
		Cols: poseSize,
	})
}

type scaleChunksRes struct {
	In      anydiff.Res
	Scalers anydiff.Res
	OutVec  anyvec.Vector
	V       anydiff.VarSet
}

// scaleChunks multiplies the i-th chunk of in by the i-th
// component of scalers.
func scaleChunks(in, scalers anydiff.Res) anydiff.Res {
	if in.Output().Len()%scalers.Output().Len() != 0 {
		panic(fmt.Sprintf("scaler count %d does not divide length %d",
			scalers.Output().Len(), in.Output().Len()))
	}
	out := in.Output().Copy()
	anyvec.ScaleChunks(out, scalers.Output())
	return &scaleChunksRes{
		In:      in,
		Scalers: scalers,
		OutVec:  out,
		V:       anydiff.MergeVarSets(in.Vars(), scalers.Vars()),
	}
}

func (s *scaleChunksRes) Output() anyvec.Vector {
	return s.OutVec
}

func (s *scaleChunksRes) Vars() anydiff.VarSet {
	return s.V
}

func (s *scaleChunksRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if g.Intersects(s.Scalers.Vars()) {
		prod := u.Copy()
		prod.Mul(s.In.Output())
		s.Scalers.Propagate(anyvec.SumCols(prod, s.Scalers.Output().Len()), g)
	}
	if g.Intersects(s.In.Vars()) {
		anyvec.ScaleChunks(u, s.Scalers.Output())
		s.In.Propagate(u, g)
	}
}

func checkVolume(in anydiff.Res, size int) {
	if in.Output().Len() != size {
		panic(fmt.Sprintf("expected %d components but got %d", size, in.Output().Len()))
	}
}

func checkBatch(in anydiff.Res, batch, exampleSize int) {
	if batch*exampleSize != in.Output().Len() {
		panic(fmt.Sprintf("input length should be %d, but got %d",
			batch*exampleSize, in.Output().Len()))
	}
}

func positiveDims(dims ...int) bool {
	for _, d := range dims {
		if d <= 0 {
			return false
		}
	}
	return true
}

// vectorFloats copies the components of v into a slice of
// float64 values.
func vectorFloats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}

func makeConst(c anyvec.Creator, values []float64) anydiff.Res {
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(values)))
}
