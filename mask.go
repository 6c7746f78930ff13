package anycaps

import (
	"fmt"
	"sort"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// MaskSupervised zeroes every capsule whose label entry is
// zero.
//
// The capsules are a packed batch of numCaps capsules with
// poseSize components each.
// The label has one entry per capsule, usually a one-hot
// vector per example.
// The result is the masked capsule tensor, flattened so
// that every example has numCaps*poseSize components.
func MaskSupervised(caps, label anydiff.Res, numCaps, poseSize int) anydiff.Res {
	if label.Output().Len()%numCaps != 0 ||
		label.Output().Len()*poseSize != caps.Output().Len() {
		panic(fmt.Sprintf("label length %d does not match capsule length %d",
			label.Output().Len(), caps.Output().Len()))
	}
	return anydiff.Mul(caps, repeatEach(label, poseSize))
}

// MaskSupervisedDouble is like MaskSupervised, but it
// masks the capsules once per label.
func MaskSupervisedDouble(caps, label1, label2 anydiff.Res, numCaps,
	poseSize int) (anydiff.Res, anydiff.Res) {
	return MaskSupervised(caps, label1, numCaps, poseSize),
		MaskSupervised(caps, label2, numCaps, poseSize)
}

// MaskInference keeps only the longest capsule in every
// example.
func MaskInference(caps anydiff.Res, numCaps, poseSize int) anydiff.Res {
	indices := MaskIndices(caps.Output(), numCaps, poseSize, 1)
	return MaskSupervised(caps, oneHot(caps.Output().Creator(), indices, 0, numCaps),
		numCaps, poseSize)
}

// MaskInferenceDouble produces two masked tensors per
// example: one keeping the longest capsule and one keeping
// the second longest.
func MaskInferenceDouble(caps anydiff.Res, numCaps, poseSize int) (anydiff.Res, anydiff.Res) {
	indices := MaskIndices(caps.Output(), numCaps, poseSize, 2)
	c := caps.Output().Creator()
	return MaskSupervised(caps, oneHot(c, indices, 0, numCaps), numCaps, poseSize),
		MaskSupervised(caps, oneHot(c, indices, 1, numCaps), numCaps, poseSize)
}

// MaskIndices finds the indices of the k longest capsules
// in every example, longest first.
// Ties are broken in favor of the lower index.
func MaskIndices(caps anyvec.Vector, numCaps, poseSize, k int) [][]int {
	if k > numCaps {
		panic(fmt.Sprintf("cannot select %d of %d capsules", k, numCaps))
	}
	if caps.Len()%(numCaps*poseSize) != 0 {
		panic(fmt.Sprintf("capsule length %d not divisible by %d", caps.Len(),
			numCaps*poseSize))
	}
	squares := caps.Copy()
	squares.Mul(caps)
	lengths := vectorFloats(anyvec.SumCols(squares, caps.Len()/poseSize))

	batch := len(lengths) / numCaps
	res := make([][]int, batch)
	for i := range res {
		res[i] = topIndices(lengths[i*numCaps:(i+1)*numCaps], k)
	}
	return res
}

// topIndices returns the indices of the k largest values,
// largest first, breaking ties by index.
func topIndices(values []float64, k int) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	return order[:k]
}

func oneHot(c anyvec.Creator, indices [][]int, which, numCaps int) anydiff.Res {
	values := make([]float64, len(indices)*numCaps)
	for i, idx := range indices {
		values[i*numCaps+idx[which]] = 1
	}
	return makeConst(c, values)
}
