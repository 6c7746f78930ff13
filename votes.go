package anycaps

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// votesRes computes prediction vectors for a list of
// (child, transform) pairs.
//
// The input is a packed [batch, numIn, inDim] tensor and
// the weights are a packed [T, inDim, outDim] tensor, where
// T is the number of pairs.
// The t-th vote for an example is the row vector of child
// children[t] multiplied by the t-th weight matrix.
// The output is a packed [batch, T, outDim] tensor.
type votesRes struct {
	In       anydiff.Res
	Weights  *anydiff.Var
	Children []int

	Batch  int
	NumIn  int
	InDim  int
	OutDim int

	InMapper   anyvec.Mapper
	OutMapper  anyvec.Mapper
	Transposed anyvec.Vector
	OutVec     anyvec.Vector
	V          anydiff.VarSet
}

func votes(in anydiff.Res, weights *anydiff.Var, children []int, batch, numIn, inDim,
	outDim int) anydiff.Res {
	checkBatch(in, batch, numIn*inDim)
	if weights.Vector.Len() != len(children)*inDim*outDim {
		panic("weight count does not match transform count")
	}
	c := in.Output().Creator()

	// Group the batch by child so that every transform is
	// one matrix product.
	inMapper := c.MakeMapper(in.Output().Len(), transposeTable(1, batch, numIn, inDim))
	transposed := c.MakeVector(in.Output().Len())
	inMapper.Map(in.Output(), transposed)

	res := &votesRes{
		In:         in,
		Weights:    weights,
		Children:   children,
		Batch:      batch,
		NumIn:      numIn,
		InDim:      inDim,
		OutDim:     outDim,
		InMapper:   inMapper,
		Transposed: transposed,
	}

	one := c.MakeNumeric(1)
	zero := c.MakeNumeric(0)
	pieces := make([]anyvec.Vector, len(children))
	for t, child := range children {
		prod := &anyvec.Matrix{
			Data: c.MakeVector(batch * outDim),
			Rows: batch,
			Cols: outDim,
		}
		prod.Product(false, false, one, res.childMatrix(child), res.weightMatrix(t), zero)
		pieces[t] = prod.Data
	}
	stacked := c.Concat(pieces...)

	res.OutMapper = c.MakeMapper(stacked.Len(), transposeTable(1, len(children), batch,
		outDim))
	res.OutVec = c.MakeVector(stacked.Len())
	res.OutMapper.Map(stacked, res.OutVec)

	res.V = anydiff.VarSet{}
	res.V.Add(weights)
	res.V = anydiff.MergeVarSets(res.V, in.Vars())
	return res
}

func (v *votesRes) Output() anyvec.Vector {
	return v.OutVec
}

func (v *votesRes) Vars() anydiff.VarSet {
	return v.V
}

func (v *votesRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	one := c.MakeNumeric(1)
	zero := c.MakeNumeric(0)

	stacked := c.MakeVector(u.Len())
	v.OutMapper.MapTranspose(u, stacked)
	upstreams := make([]*anyvec.Matrix, len(v.Children))
	for t := range upstreams {
		size := v.Batch * v.OutDim
		upstreams[t] = &anyvec.Matrix{
			Data: stacked.Slice(t*size, (t+1)*size),
			Rows: v.Batch,
			Cols: v.OutDim,
		}
	}

	if weightGrad, ok := g[v.Weights]; ok {
		pieces := make([]anyvec.Vector, len(v.Children))
		for t, child := range v.Children {
			prod := &anyvec.Matrix{
				Data: c.MakeVector(v.InDim * v.OutDim),
				Rows: v.InDim,
				Cols: v.OutDim,
			}
			prod.Product(true, false, one, v.childMatrix(child), upstreams[t], zero)
			pieces[t] = prod.Data
		}
		weightGrad.Add(c.Concat(pieces...))
	}

	if g.Intersects(v.In.Vars()) {
		sums := make([]anyvec.Vector, v.NumIn)
		for t, child := range v.Children {
			prod := &anyvec.Matrix{
				Data: c.MakeVector(v.Batch * v.InDim),
				Rows: v.Batch,
				Cols: v.InDim,
			}
			prod.Product(false, true, one, upstreams[t], v.weightMatrix(t), zero)
			if sums[child] == nil {
				sums[child] = prod.Data
			} else {
				sums[child].Add(prod.Data)
			}
		}
		for i, sum := range sums {
			if sum == nil {
				sums[i] = c.MakeVector(v.Batch * v.InDim)
			}
		}
		downstream := c.MakeVector(v.In.Output().Len())
		v.InMapper.MapTranspose(c.Concat(sums...), downstream)
		v.In.Propagate(downstream, g)
	}
}

func (v *votesRes) childMatrix(child int) *anyvec.Matrix {
	size := v.Batch * v.InDim
	return &anyvec.Matrix{
		Data: v.Transposed.Slice(child*size, (child+1)*size),
		Rows: v.Batch,
		Cols: v.InDim,
	}
}

func (v *votesRes) weightMatrix(t int) *anyvec.Matrix {
	size := v.InDim * v.OutDim
	return &anyvec.Matrix{
		Data: v.Weights.Vector.Slice(t*size, (t+1)*size),
		Rows: v.InDim,
		Cols: v.OutDim,
	}
}
