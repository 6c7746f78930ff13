package anycaps

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const (
	defaultPosMargin = 0.9
	defaultNegMargin = 0.1
	defaultNegWeight = 0.5
)

// MarginLoss is the separate margin loss used to train
// capsule lengths as class-presence probabilities.
//
// For every capsule length v with desired presence T, the
// cost is
//
//     T*max(0, PosMargin-v)^2 + NegWeight*(1-T)*max(0, v-NegMargin)^2
//
// and the costs of the capsules in an example are summed.
//
// If a field is 0, a default is used.
type MarginLoss struct {
	PosMargin float64
	NegMargin float64
	NegWeight float64
}

// Cost computes the margin loss for every example.
func (m MarginLoss) Cost(desired, actual anydiff.Res, n int) anydiff.Res {
	if desired.Output().Len() != actual.Output().Len() {
		panic("desired and actual lengths must match")
	}
	c := actual.Output().Creator()
	posMargin := valueOrDefault(m.PosMargin, defaultPosMargin)
	negMargin := valueOrDefault(m.NegMargin, defaultNegMargin)
	negWeight := valueOrDefault(m.NegWeight, defaultNegWeight)

	terms := anydiff.Pool(desired, func(desired anydiff.Res) anydiff.Res {
		return anydiff.Pool(actual, func(actual anydiff.Res) anydiff.Res {
			present := anydiff.Square(anydiff.ClipPos(anydiff.AddScalar(
				anydiff.Scale(actual, c.MakeNumeric(-1)),
				c.MakeNumeric(posMargin),
			)))
			absent := anydiff.Square(anydiff.ClipPos(
				anydiff.AddScalar(actual, c.MakeNumeric(-negMargin)),
			))
			return anydiff.Add(
				anydiff.Mul(desired, present),
				anydiff.Scale(anydiff.Mul(anydiff.Complement(desired), absent),
					c.MakeNumeric(negWeight)),
			)
		})
	})
	return anydiff.SumCols(&anydiff.Matrix{
		Data: terms,
		Rows: n,
		Cols: terms.Output().Len() / n,
	})
}

// Accuracy computes the fraction of examples for which
// the longest capsule matches the largest label entry.
func Accuracy(lengths, labels anyvec.Vector, n int) float64 {
	checkMetricArgs(lengths, labels, n)
	numCaps := lengths.Len() / n
	actual := vectorFloats(lengths)
	desired := vectorFloats(labels)
	var correct int
	for i := 0; i < n; i++ {
		pred := topIndices(actual[i*numCaps:(i+1)*numCaps], 1)[0]
		truth := topIndices(desired[i*numCaps:(i+1)*numCaps], 1)[0]
		if pred == truth {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// MultiAccuracy is an accuracy measure for examples
// containing two objects.
//
// For every example, it measures how many of the two
// longest capsules are among the two largest label
// entries, counting each match as half a correct answer.
func MultiAccuracy(lengths, labels anyvec.Vector, n int) float64 {
	checkMetricArgs(lengths, labels, n)
	numCaps := lengths.Len() / n
	if numCaps < 2 {
		panic("multi accuracy requires at least two capsules")
	}
	actual := vectorFloats(lengths)
	desired := vectorFloats(labels)
	var total float64
	for i := 0; i < n; i++ {
		preds := topIndices(actual[i*numCaps:(i+1)*numCaps], 2)
		truths := topIndices(desired[i*numCaps:(i+1)*numCaps], 2)
		for _, p := range preds {
			for _, t := range truths {
				if p == t {
					total += 0.5
				}
			}
		}
	}
	return total / float64(n)
}

func checkMetricArgs(lengths, labels anyvec.Vector, n int) {
	if n <= 0 {
		panic("batch size must be positive")
	}
	if lengths.Len() != labels.Len() || lengths.Len()%n != 0 {
		panic(fmt.Sprintf("mismatched lengths (%d) and labels (%d) for batch %d",
			lengths.Len(), labels.Len(), n))
	}
}

func valueOrDefault(value, def float64) float64 {
	if value == 0 {
		return def
	}
	return value
}
